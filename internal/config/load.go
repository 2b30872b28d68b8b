// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package config

import (
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// flagKeys maps command-line flag names to config keys. Only flags listed
// here are read by Load.
var flagKeys = map[string]string{
	"node-id":            "node_id",
	"log-format":         "logging.format",
	"log-level":          "logging.level",
	"ws-addr":            "gateway.websocket.addr",
	"ws-path":            "gateway.websocket.path",
	"allowed-origins":    "gateway.websocket.allowed_origins",
	"tcp-addr":           "gateway.tcp.addr",
	"auth-timeout":       "gateway.auth_timeout",
	"max-auth-attempts":  "gateway.max_auth_attempts",
	"send-queue-size":    "gateway.send_queue_size",
	"jwt-issuer":         "auth.issuer",
	"jwt-leeway":         "auth.leeway",
	"subject-source":     "auth.subjects.source",
	"broadcast-backend":  "broadcast.backend",
	"broadcast-channel":  "broadcast.channel",
	"redis-addr":         "broadcast.redis_addr",
	"nats-url":           "broadcast.nats_url",
	"store-backend":      "store.backend",
	"auto-migrate":       "store.auto_migrate",
	"metrics-addr":       "observability.addr",
	"ingest-addr":        "ingest.addr",
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// File is an optional YAML file. Empty skips it.
	File string
	// Flags are applied over the file. Only flags the user set count.
	Flags *pflag.FlagSet
	// Getenv reads secrets. Defaults to os.Getenv.
	Getenv func(string) string
}

// Load builds a Config from defaults, opts.File, opts.Flags and the
// environment. It does not validate the result.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("file", opts.File).Wrap(err)
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.DatabaseURL = getenv(EnvDatabaseURL)
	cfg.Auth.Secret = getenv(EnvJWTSecret)
	cfg.Broadcast.RedisPassword = getenv(EnvRedisPassword)

	return cfg, nil
}

// RegisterFlags adds the serve flags to fs, with defaults taken from
// Default().
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("node-id", d.NodeID, "node id for cluster messages (default: random ULID)")
	fs.String("log-format", d.Logging.Format, "log format (json or text)")
	fs.String("log-level", d.Logging.Level, "log level (debug, info, warn, error)")
	fs.String("ws-addr", d.Gateway.WebSocket.Addr, "WebSocket listen address (empty = disabled)")
	fs.String("ws-path", d.Gateway.WebSocket.Path, "WebSocket upgrade path")
	fs.StringSlice("allowed-origins", nil, "allowed WebSocket origin patterns")
	fs.String("tcp-addr", d.Gateway.TCP.Addr, "line-delimited TCP listen address (empty = disabled)")
	fs.Duration("auth-timeout", d.Gateway.AuthTimeout, "close unauthenticated connections after this long (0 = never)")
	fs.Int("max-auth-attempts", d.Gateway.MaxAuthAttempts, "close a connection after this many failed attempts (0 = unlimited)")
	fs.Int("send-queue-size", d.Gateway.SendQueueSize, "outbound envelopes queued per connection")
	fs.String("jwt-issuer", d.Auth.Issuer, "required iss claim (empty = any)")
	fs.Duration("jwt-leeway", d.Auth.Leeway, "clock skew tolerated on token times")
	fs.String("subject-source", d.Auth.Subjects.Source, "subject existence check (none or postgres)")
	fs.String("broadcast-backend", d.Broadcast.Backend, "cluster backend (none, memory, redis, postgres, nats)")
	fs.String("broadcast-channel", d.Broadcast.Channel, "cluster channel or subject")
	fs.String("redis-addr", d.Broadcast.RedisAddr, "redis address for the redis backend")
	fs.String("nats-url", d.Broadcast.NATSURL, "NATS url for the nats backend")
	fs.String("store-backend", d.Store.Backend, "notification store (memory or postgres)")
	fs.Bool("auto-migrate", d.Store.AutoMigrate, "apply pending migrations on start")
	fs.String("metrics-addr", d.Observability.Addr, "metrics/health HTTP address (empty = disabled)")
	fs.String("ingest-addr", d.Ingest.Addr, "notification ingest API address (empty = disabled)")
}
