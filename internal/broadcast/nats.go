// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/hirewire/notifybus/internal/core"
)

// NATSBroadcaster carries cluster messages on a core NATS subject.
type NATSBroadcaster struct {
	conn    *nats.Conn
	subject string
	owned   bool
	logger  *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	stops  []func() bool
	closed bool
}

var _ core.Broadcaster = (*NATSBroadcaster)(nil)

// DialNATS connects to cfg.NATSURL. The initial connection is retried with
// backoff; later disconnects are handled by the client's own reconnect.
func DialNATS(ctx context.Context, cfg Config, logger *slog.Logger) (*NATSBroadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.NATSURL == "" {
		return nil, oops.Code("BROADCAST_CONFIG_INVALID").Errorf("nats url is required")
	}

	opts := []nats.Option{
		nats.Name("notifybus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectInitial),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	var conn *nats.Conn
	err := retry.Do(ctx, cfg.dialBackoff(), func(_ context.Context) error {
		nc, err := nats.Connect(cfg.NATSURL, opts...)
		if err != nil {
			logger.Debug("nats not reachable yet", "url", cfg.NATSURL, "error", err)
			return retry.RetryableError(err)
		}
		conn = nc
		return nil
	})
	if err != nil {
		return nil, oops.Code("BROADCAST_CONNECT_FAILED").With("url", cfg.NATSURL).Wrap(err)
	}

	b := NewNATSBroadcaster(conn, cfg.Channel, logger)
	b.owned = true
	return b, nil
}

// NewNATSBroadcaster wraps an existing connection. Close does not close a
// connection passed in this way.
func NewNATSBroadcaster(conn *nats.Conn, subject string, logger *slog.Logger) *NATSBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = DefaultChannel
	}
	return &NATSBroadcaster{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// Publish sends msg on the shared subject.
func (b *NATSBroadcaster) Publish(_ context.Context, msg core.ClusterMessage) error {
	data, err := core.EncodeClusterMessage(msg)
	if err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").With("topic", msg.Topic).Wrap(err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").
			With("subject", b.subject).
			With("topic", msg.Topic).
			Wrap(err)
	}
	return nil
}

// Subscribe returns once the server has acknowledged the subscription.
// NATS invokes the callback for one subscription on a single goroutine.
func (b *NATSBroadcaster) Subscribe(ctx context.Context, handle func(core.ClusterMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return oops.Code("BROADCAST_CLOSED").Errorf("nats broadcaster is closed")
	}

	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		deliver(b.logger, m.Data, handle)
	})
	if err != nil {
		return oops.Code("BROADCAST_SUBSCRIBE_FAILED").With("subject", b.subject).Wrap(err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return oops.Code("BROADCAST_SUBSCRIBE_FAILED").With("subject", b.subject).Wrap(err)
	}

	b.subs = append(b.subs, sub)
	b.stops = append(b.stops, context.AfterFunc(ctx, func() {
		_ = sub.Unsubscribe()
	}))
	return nil
}

// Close unsubscribes and, for dialed connections, drains the connection.
func (b *NATSBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs, stops := b.subs, b.stops
	b.subs, b.stops = nil, nil
	b.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if b.owned {
		b.conn.Close()
	}
	return nil
}
