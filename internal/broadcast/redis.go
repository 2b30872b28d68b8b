// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/hirewire/notifybus/internal/core"
)

// RedisBroadcaster carries cluster messages over Redis PUBLISH/SUBSCRIBE.
// The client reconnects the subscription on its own; messages published
// while it is down are not replayed.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	owned   bool
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

var _ core.Broadcaster = (*RedisBroadcaster)(nil)

// DialRedis connects to cfg.RedisAddr, retrying with backoff until the
// server answers PING or the attempts run out.
func DialRedis(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisBroadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.RedisAddr == "" {
		return nil, oops.Code("BROADCAST_CONFIG_INVALID").Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	err := retry.Do(ctx, cfg.dialBackoff(), func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Debug("redis not reachable yet", "addr", cfg.RedisAddr, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, oops.Code("BROADCAST_CONNECT_FAILED").With("addr", cfg.RedisAddr).Wrap(err)
	}

	b := NewRedisBroadcaster(client, cfg.Channel, logger)
	b.owned = true
	return b, nil
}

// NewRedisBroadcaster wraps an existing client. Close does not close a
// client passed in this way.
func NewRedisBroadcaster(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// Publish sends msg on the shared channel.
func (b *RedisBroadcaster) Publish(ctx context.Context, msg core.ClusterMessage) error {
	data, err := core.EncodeClusterMessage(msg)
	if err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").With("topic", msg.Topic).Wrap(err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").
			With("channel", b.channel).
			With("topic", msg.Topic).
			Wrap(err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, handle func(core.ClusterMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return oops.Code("BROADCAST_CLOSED").Errorf("redis broadcaster is closed")
	}

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return oops.Code("BROADCAST_SUBSCRIBE_FAILED").With("channel", b.channel).Wrap(err)
	}
	b.subs = append(b.subs, ps)

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				deliver(b.logger, []byte(m.Payload), handle)
			}
		}
	}()
	return nil
}

// Close ends all subscriptions and, for dialed clients, the connection.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()

	if b.owned {
		if err := b.client.Close(); err != nil {
			return oops.Code("BROADCAST_CLOSE_FAILED").Wrap(err)
		}
	}
	return nil
}
