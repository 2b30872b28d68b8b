// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package config loads notifybus configuration from defaults, an optional
// YAML file, command-line flags and environment secrets, in that order.
package config

import (
	"slices"
	"time"

	"github.com/samber/oops"

	"github.com/hirewire/notifybus/internal/broadcast"
	"github.com/hirewire/notifybus/internal/gateway"
	"github.com/hirewire/notifybus/internal/ingest"
	"github.com/hirewire/notifybus/internal/logging"
)

// Environment variables holding secrets. Secrets are never read from the
// config file or flags.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvJWTSecret     = "NOTIFYBUS_JWT_SECRET"
	EnvRedisPassword = "NOTIFYBUS_REDIS_PASSWORD"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Subject sources.
const (
	SubjectsNone     = "none"
	SubjectsPostgres = "postgres"
)

// Config is the full notifybus configuration.
type Config struct {
	// NodeID identifies this node in cluster messages. Empty means a fresh
	// ULID per process.
	NodeID        string              `koanf:"node_id"`
	Logging       LoggingConfig       `koanf:"logging"`
	Gateway       GatewayConfig       `koanf:"gateway"`
	Auth          AuthConfig          `koanf:"auth"`
	Broadcast     BroadcastConfig     `koanf:"broadcast"`
	Dispatcher    DispatcherConfig    `koanf:"dispatcher"`
	Store         StoreConfig         `koanf:"store"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Observability ObservabilityConfig `koanf:"observability"`

	// DatabaseURL comes from DATABASE_URL.
	DatabaseURL string `koanf:"-"`
}

type LoggingConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

type GatewayConfig struct {
	WebSocket WebSocketConfig `koanf:"websocket"`
	TCP       TCPConfig       `koanf:"tcp"`
	// AuthTimeout closes connections still unauthenticated after it. Zero
	// disables the timeout.
	AuthTimeout time.Duration `koanf:"auth_timeout"`
	// MaxAuthAttempts closes a connection after that many auth_fail
	// replies. Zero means unlimited.
	MaxAuthAttempts int `koanf:"max_auth_attempts"`
	SendQueueSize   int `koanf:"send_queue_size"`
}

// WebSocketConfig configures the WebSocket listener. An empty Addr disables it.
type WebSocketConfig struct {
	Addr           string        `koanf:"addr"`
	Path           string        `koanf:"path"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	MaxFrameSize   int64         `koanf:"max_frame_size"`
	WriteWait      time.Duration `koanf:"write_wait"`
	PongWait       time.Duration `koanf:"pong_wait"`
}

// TCPConfig configures the line-delimited TCP listener. An empty Addr
// disables it.
type TCPConfig struct {
	Addr         string        `koanf:"addr"`
	MaxFrameSize int           `koanf:"max_frame_size"`
	WriteWait    time.Duration `koanf:"write_wait"`
}

type AuthConfig struct {
	Issuer   string         `koanf:"issuer"`
	Leeway   time.Duration  `koanf:"leeway"`
	Subjects SubjectsConfig `koanf:"subjects"`

	// Secret comes from NOTIFYBUS_JWT_SECRET.
	Secret string `koanf:"-"`
}

// SubjectsConfig selects how token subjects are checked for existence.
type SubjectsConfig struct {
	Source       string `koanf:"source"`
	Table        string `koanf:"table"`
	IDColumn     string `koanf:"id_column"`
	ActiveColumn string `koanf:"active_column"`
}

type BroadcastConfig struct {
	Backend          string        `koanf:"backend"`
	Channel          string        `koanf:"channel"`
	RedisAddr        string        `koanf:"redis_addr"`
	RedisDB          int           `koanf:"redis_db"`
	NATSURL          string        `koanf:"nats_url"`
	ReconnectInitial time.Duration `koanf:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
	DialAttempts     uint64        `koanf:"dial_attempts"`

	// RedisPassword comes from NOTIFYBUS_REDIS_PASSWORD.
	RedisPassword string `koanf:"-"`
}

type DispatcherConfig struct {
	OutboxSize int `koanf:"outbox_size"`
}

type StoreConfig struct {
	Backend string `koanf:"backend"`
	// AutoMigrate applies pending migrations on serve.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// IngestConfig configures the HTTP API backend services create
// notifications through. An empty Addr disables it.
type IngestConfig struct {
	Addr         string `koanf:"addr"`
	MaxBodyBytes int64  `koanf:"max_body_bytes"`
}

// ObservabilityConfig configures the metrics and health endpoint. An empty
// Addr disables it.
type ObservabilityConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Format: "json", Level: "info"},
		Gateway: GatewayConfig{
			WebSocket: WebSocketConfig{
				Addr:         ":8080",
				Path:         gateway.DefaultWebSocketPath,
				MaxFrameSize: gateway.DefaultMaxFrameSize,
				WriteWait:    gateway.DefaultWriteWait,
				PongWait:     gateway.DefaultPongWait,
			},
			TCP: TCPConfig{
				MaxFrameSize: gateway.DefaultMaxFrameSize,
				WriteWait:    gateway.DefaultWriteWait,
			},
			AuthTimeout:     gateway.DefaultAuthTimeout,
			MaxAuthAttempts: gateway.DefaultMaxAuthAttempts,
			SendQueueSize:   gateway.DefaultSendQueueSize,
		},
		Auth: AuthConfig{
			Subjects: SubjectsConfig{
				Source:       SubjectsNone,
				Table:        "users",
				IDColumn:     "id",
				ActiveColumn: "is_active",
			},
		},
		Broadcast: BroadcastConfig{
			Backend:          broadcast.BackendNone,
			Channel:          broadcast.DefaultChannel,
			ReconnectInitial: broadcast.DefaultReconnectInitial,
			ReconnectMax:     broadcast.DefaultReconnectMax,
			DialAttempts:     broadcast.DefaultDialAttempts,
		},
		Store:         StoreConfig{Backend: StoreMemory},
		Ingest: IngestConfig{
			Addr:         ingest.DefaultAddr,
			MaxBodyBytes: ingest.DefaultMaxBodyBytes,
		},
		Observability: ObservabilityConfig{Addr: "127.0.0.1:9100"},
	}
}

// Validate checks the configuration for serving.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", c.Logging.Level, "unknown log level")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return invalid("logging.format", c.Logging.Format, "log format must be json or text")
	}

	gw := c.Gateway
	if gw.WebSocket.Addr == "" && gw.TCP.Addr == "" {
		return invalid("gateway", "", "at least one of gateway.websocket.addr and gateway.tcp.addr is required")
	}
	if gw.AuthTimeout < 0 {
		return invalid("gateway.auth_timeout", gw.AuthTimeout, "auth timeout cannot be negative")
	}
	if gw.MaxAuthAttempts < 0 {
		return invalid("gateway.max_auth_attempts", gw.MaxAuthAttempts, "max auth attempts cannot be negative")
	}
	if gw.SendQueueSize < 0 {
		return invalid("gateway.send_queue_size", gw.SendQueueSize, "send queue size cannot be negative")
	}
	if gw.WebSocket.MaxFrameSize < 0 || gw.TCP.MaxFrameSize < 0 {
		return invalid("gateway.max_frame_size", "", "max frame size cannot be negative")
	}

	if c.Auth.Secret == "" {
		return invalid("auth.secret", "", EnvJWTSecret+" is required")
	}
	if c.Auth.Leeway < 0 {
		return invalid("auth.leeway", c.Auth.Leeway, "leeway cannot be negative")
	}
	switch c.Auth.Subjects.Source {
	case SubjectsNone, "":
	case SubjectsPostgres:
		if c.DatabaseURL == "" {
			return invalid("auth.subjects.source", SubjectsPostgres, EnvDatabaseURL+" is required")
		}
	default:
		return invalid("auth.subjects.source", c.Auth.Subjects.Source, "subject source must be none or postgres")
	}

	if c.Ingest.MaxBodyBytes < 0 {
		return invalid("ingest.max_body_bytes", c.Ingest.MaxBodyBytes, "max body bytes cannot be negative")
	}

	if err := c.validateBroadcast(); err != nil {
		return err
	}
	return c.validateStore()
}

func (c *Config) validateBroadcast() error {
	b := c.Broadcast
	backends := []string{
		broadcast.BackendNone, broadcast.BackendMemory, broadcast.BackendRedis,
		broadcast.BackendPostgres, broadcast.BackendNATS,
	}
	if !slices.Contains(backends, b.Backend) {
		return invalid("broadcast.backend", b.Backend, "unknown broadcast backend")
	}
	switch {
	case b.Backend == broadcast.BackendRedis && b.RedisAddr == "":
		return invalid("broadcast.redis_addr", "", "redis address is required")
	case b.Backend == broadcast.BackendNATS && b.NATSURL == "":
		return invalid("broadcast.nats_url", "", "nats url is required")
	case b.Backend == broadcast.BackendPostgres && c.DatabaseURL == "":
		return invalid("broadcast.backend", b.Backend, EnvDatabaseURL+" is required")
	case b.ReconnectInitial < 0 || b.ReconnectMax < 0:
		return invalid("broadcast.reconnect", "", "reconnect delays cannot be negative")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return invalid("store.backend", StorePostgres, EnvDatabaseURL+" is required")
		}
	default:
		return invalid("store.backend", c.Store.Backend, "store backend must be memory or postgres")
	}
	return nil
}

// ValidateStore checks only the store settings.
func (c *Config) ValidateStore() error {
	return c.validateStore()
}

// ValidateBroadcast checks only the broadcast settings.
func (c *Config) ValidateBroadcast() error {
	return c.validateBroadcast()
}

// BroadcastConfig returns the broadcast backend settings.
func (c *Config) BroadcastConfig() broadcast.Config {
	return broadcast.Config{
		Backend:          c.Broadcast.Backend,
		Channel:          c.Broadcast.Channel,
		RedisAddr:        c.Broadcast.RedisAddr,
		RedisPassword:    c.Broadcast.RedisPassword,
		RedisDB:          c.Broadcast.RedisDB,
		PostgresDSN:      c.DatabaseURL,
		NATSURL:          c.Broadcast.NATSURL,
		ReconnectInitial: c.Broadcast.ReconnectInitial,
		ReconnectMax:     c.Broadcast.ReconnectMax,
		DialAttempts:     c.Broadcast.DialAttempts,
	}
}

// GatewayOptions returns the connection gateway settings.
func (c *Config) GatewayOptions() gateway.Options {
	return gateway.Options{
		AuthTimeout:     c.Gateway.AuthTimeout,
		MaxAuthAttempts: c.Gateway.MaxAuthAttempts,
		SendQueueSize:   c.Gateway.SendQueueSize,
	}
}

// WebSocketOptions returns the WebSocket listener settings.
func (c *Config) WebSocketOptions() gateway.WebSocketOptions {
	ws := c.Gateway.WebSocket
	return gateway.WebSocketOptions{
		Addr:           ws.Addr,
		Path:           ws.Path,
		AllowedOrigins: slices.Clone(ws.AllowedOrigins),
		MaxFrameSize:   ws.MaxFrameSize,
		WriteWait:      ws.WriteWait,
		PongWait:       ws.PongWait,
	}
}

// TCPOptions returns the TCP listener settings.
func (c *Config) TCPOptions() gateway.TCPOptions {
	return gateway.TCPOptions{
		Addr:         c.Gateway.TCP.Addr,
		MaxFrameSize: c.Gateway.TCP.MaxFrameSize,
		WriteWait:    c.Gateway.TCP.WriteWait,
	}
}

// IngestOptions returns the ingest API settings.
func (c *Config) IngestOptions() ingest.Options {
	return ingest.Options{
		Addr:         c.Ingest.Addr,
		MaxBodyBytes: c.Ingest.MaxBodyBytes,
	}
}

func invalid(field string, value any, msg string) error {
	return oops.Code("CONFIG_INVALID").
		With("field", field).
		With("value", value).
		Errorf("%s", msg)
}
