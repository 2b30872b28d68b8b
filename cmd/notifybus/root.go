// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/hirewire/notifybus/internal/config"
	"github.com/hirewire/notifybus/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the notifybus CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifybus",
		Short: "notifybus - real-time notification gateway",
		Long: `notifybus keeps persistent client connections open, authenticates
them in-band with access tokens, and pushes notifications to every live
connection of the recipient across nodes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default $XDG_CONFIG_HOME/notifybus/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewTokenCmd())
	cmd.AddCommand(NewPublishCmd())

	return cmd
}

// loadConfig reads the config file named by --config, or the XDG default
// when one exists, and the command's flags.
func loadConfig(cmd *cobra.Command, getenv func(string) string) (*config.Config, error) {
	file := configFile
	if file == "" {
		if path, ok := xdg.ConfigFile(getenv); ok {
			file = path
		}
	}
	return config.Load(config.LoadOptions{
		File:   file,
		Flags:  cmd.Flags(),
		Getenv: getenv,
	})
}

func configMissing(envVar string) error {
	return oops.Code("CONFIG_INVALID").With("env", envVar).Errorf("%s environment variable is required", envVar)
}
