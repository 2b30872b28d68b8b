// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/hirewire/notifybus/internal/core"
)

// pgNotifyMaxPayload is the largest payload pg_notify accepts.
const pgNotifyMaxPayload = 7999

// execer is the subset of *pgxpool.Pool used to send notifications.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ListenConn is the subset of *pgx.Conn used to receive notifications.
type ListenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ListenDialer opens a dedicated, unpooled connection for LISTEN.
type ListenDialer func(ctx context.Context) (ListenConn, error)

// PostgresBroadcaster carries cluster messages over pg_notify and LISTEN.
// Each subscription holds its own connection and re-establishes it with
// backoff when it drops.
type PostgresBroadcaster struct {
	pool      execer
	closePool func()
	dial      ListenDialer
	channel   string
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

var _ core.Broadcaster = (*PostgresBroadcaster)(nil)

// DialPostgres opens a pool for publishing against cfg.PostgresDSN.
func DialPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*PostgresBroadcaster, error) {
	cfg = cfg.withDefaults()
	if cfg.PostgresDSN == "" {
		return nil, oops.Code("BROADCAST_CONFIG_INVALID").Errorf("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, oops.Code("BROADCAST_CONNECT_FAILED").Wrap(err)
	}
	err = retry.Do(ctx, cfg.dialBackoff(), func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("BROADCAST_CONNECT_FAILED").Wrap(err)
	}

	dsn := cfg.PostgresDSN
	b := NewPostgresBroadcaster(pool, func(ctx context.Context) (ListenConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, cfg, logger)
	b.closePool = pool.Close
	return b, nil
}

// NewPostgresBroadcaster publishes through pool and listens on connections
// opened by dial.
func NewPostgresBroadcaster(pool execer, dial ListenDialer, cfg Config, logger *slog.Logger) *PostgresBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &PostgresBroadcaster{
		pool:    pool,
		dial:    dial,
		channel: cfg.Channel,
		cfg:     cfg,
		logger:  logger,
	}
}

// Publish sends msg with pg_notify. Messages too large for a notification
// payload are rejected.
func (b *PostgresBroadcaster) Publish(ctx context.Context, msg core.ClusterMessage) error {
	data, err := core.EncodeClusterMessage(msg)
	if err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").With("topic", msg.Topic).Wrap(err)
	}
	if len(data) > pgNotifyMaxPayload {
		return oops.Code("BROADCAST_PUBLISH_FAILED").
			With("topic", msg.Topic).
			With("size", len(data)).
			Errorf("cluster message exceeds the pg_notify payload limit")
	}

	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(data)); err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").
			With("channel", b.channel).
			With("topic", msg.Topic).
			Wrap(err)
	}
	return nil
}

// Subscribe returns once LISTEN has succeeded on a dedicated connection.
func (b *PostgresBroadcaster) Subscribe(ctx context.Context, handle func(core.ClusterMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return oops.Code("BROADCAST_CLOSED").Errorf("postgres broadcaster is closed")
	}

	conn, err := b.listen(ctx)
	if err != nil {
		return oops.Code("BROADCAST_SUBSCRIBE_FAILED").With("channel", b.channel).Wrap(err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.wg.Add(1)
	go b.listenLoop(subCtx, conn, handle)
	return nil
}

func (b *PostgresBroadcaster) listen(ctx context.Context) (ListenConn, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (b *PostgresBroadcaster) listenLoop(ctx context.Context, conn ListenConn, handle func(core.ClusterMessage)) {
	defer b.wg.Done()
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("postgres listen connection lost, reconnecting",
				"channel", b.channel,
				"error", err,
			)
			_ = conn.Close(context.Background())
			conn = nil

			conn, err = b.reconnect(ctx)
			if err != nil {
				return
			}
			b.logger.Info("postgres listen connection restored", "channel", b.channel)
			continue
		}
		if n.Channel != b.channel {
			continue
		}
		deliver(b.logger, []byte(n.Payload), handle)
	}
}

// reconnect retries until LISTEN succeeds or ctx ends.
func (b *PostgresBroadcaster) reconnect(ctx context.Context) (ListenConn, error) {
	var conn ListenConn
	err := retry.Do(ctx, b.cfg.backoff(), func(ctx context.Context) error {
		c, err := b.listen(ctx)
		if err != nil {
			b.logger.Debug("postgres listen reconnect failed", "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close stops all subscriptions and, for dialed broadcasters, the pool.
func (b *PostgresBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()

	if b.closePool != nil {
		b.closePool()
	}
	return nil
}
