// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hirewire/notifybus/internal/auth"
	"github.com/hirewire/notifybus/internal/config"
)

// NewTokenCmd creates the token subcommand.
func NewTokenCmd() *cobra.Command {
	return newTokenCmd(os.Getenv)
}

func newTokenCmd(getenv func(string) string) *cobra.Command {
	var (
		ttl       time.Duration
		tokenType string
	)

	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue an access token for SUBJECT",
		Long: `Sign an access token with NOTIFYBUS_JWT_SECRET, for connecting test
clients. Production tokens come from the account service.

With --token-type service the token authenticates a backend service to the
ingest API instead; gateways refuse it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, getenv)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return configMissing(config.EnvJWTSecret)
			}

			token, err := auth.IssueToken([]byte(cfg.Auth.Secret), args[0], auth.TokenOptions{
				Issuer:    cfg.Auth.Issuer,
				TTL:       ttl,
				TokenType: tokenType,
			})
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	cmd.Flags().StringVar(&tokenType, "token-type", auth.AccessTokenType, "token_type claim (access or service)")
	cmd.Flags().String("jwt-issuer", "", "iss claim (default: auth.issuer from the config file)")

	return cmd
}
