// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package broadcast provides the cluster backends that carry published
// envelopes between notifybus nodes.
//
// Every backend implements core.Broadcaster. A message published on one node
// reaches every subscribed node, the publisher included; the dispatcher
// drops its own messages by origin. Delivery is at most once: messages
// published while a node is reconnecting are lost to that node.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/hirewire/notifybus/internal/core"
)

// Backend names accepted by New.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// Defaults applied by New.
const (
	DefaultChannel          = "notifybus.fanout"
	DefaultReconnectInitial = 100 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultDialAttempts     = 5
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Channel is the Redis channel, Postgres notification channel or NATS
	// subject shared by all nodes.
	Channel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	NATSURL string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// DialAttempts bounds the initial connection attempts.
	DialAttempts uint64
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = DefaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	return c
}

// backoff returns a fresh capped exponential backoff with jitter.
func (c Config) backoff() retry.Backoff {
	b := retry.NewExponential(c.ReconnectInitial)
	b = retry.WithCappedDuration(c.ReconnectMax, b)
	return retry.WithJitterPercent(10, b)
}

// dialBackoff is backoff limited to the configured number of attempts.
func (c Config) dialBackoff() retry.Backoff {
	return retry.WithMaxRetries(c.DialAttempts-1, c.backoff())
}

// New connects the backend named by cfg.Backend. It returns a nil
// Broadcaster for BackendNone.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (core.Broadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	logger = logger.With("backend", cfg.Backend)

	switch cfg.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendMemory:
		return NewMemoryHub(logger).Broadcaster(), nil
	case BackendRedis:
		b, err := DialRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendPostgres:
		b, err := DialPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendNATS:
		b, err := DialNATS(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, oops.Code("BROADCAST_BACKEND_UNKNOWN").
			With("backend", cfg.Backend).
			Errorf("unknown broadcast backend %q", cfg.Backend)
	}
}

// deliver decodes a raw message and hands it to handle. Malformed messages
// are logged and skipped.
func deliver(logger *slog.Logger, data []byte, handle func(core.ClusterMessage)) {
	msg, err := core.DecodeClusterMessage(data)
	if err != nil {
		logger.Warn("discarding malformed cluster message", "error", err, "size", len(data))
		return
	}
	handle(msg)
}
