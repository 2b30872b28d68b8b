// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/hirewire/notifybus/internal/auth"
	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/observability"
)

// Handshake defaults.
const (
	DefaultAuthTimeout     = 30 * time.Second
	DefaultMaxAuthAttempts = 5
)

// ErrShuttingDown is returned by Accept after Shutdown has started.
var ErrShuttingDown = errors.New("gateway shutting down")

// Options configures a Gateway.
type Options struct {
	// AuthTimeout closes connections still unauthenticated after this long.
	// Zero disables it.
	AuthTimeout time.Duration
	// MaxAuthAttempts closes a connection after this many auth_fail
	// replies. Zero allows unlimited retries.
	MaxAuthAttempts int
	// SendQueueSize is the per-connection outbound queue capacity.
	SendQueueSize int
	Logger        *slog.Logger
}

// DefaultOptions returns the production handshake bounds.
func DefaultOptions() Options {
	return Options{
		AuthTimeout:     DefaultAuthTimeout,
		MaxAuthAttempts: DefaultMaxAuthAttempts,
		SendQueueSize:   DefaultSendQueueSize,
	}
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout < 0 {
		o.AuthTimeout = 0
	}
	if o.MaxAuthAttempts < 0 {
		o.MaxAuthAttempts = 0
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Gateway owns the live client connections of this node.
type Gateway struct {
	registry  *core.Registry
	handshake *Handshake
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	conns    map[ulid.ULID]*Connection
	closing  bool
	inflight sync.WaitGroup
}

// New creates a gateway that joins authenticated connections to registry.
func New(registry *core.Registry, verifier auth.Verifier, opts Options) (*Gateway, error) {
	if registry == nil {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").Errorf("registry is required")
	}
	if verifier == nil {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").Errorf("verifier is required")
	}
	opts = opts.withDefaults()
	return &Gateway{
		registry:  registry,
		handshake: NewHandshake(verifier, opts.MaxAuthAttempts),
		opts:      opts,
		logger:    opts.Logger,
		conns:     make(map[ulid.ULID]*Connection),
	}, nil
}

// Accept registers t as a new Unauthenticated connection, queues
// auth_required and starts its writer. The caller must then run Serve.
func (g *Gateway) Accept(_ context.Context, t Transport) (*Connection, error) {
	c := newConnection(t, g.registry, g.opts.SendQueueSize, g.logger)
	c.onClose = g.forget

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		_ = t.Close()
		return nil, ErrShuttingDown
	}
	g.conns[c.id] = c
	g.inflight.Add(1)
	g.mu.Unlock()

	observability.RecordConnectionOpened(c.kind)
	c.log().Debug("connection accepted", "transport", c.kind)

	_ = c.Deliver(authRequired)
	go func() {
		defer g.inflight.Done()
		c.writeLoop()
	}()

	if g.opts.AuthTimeout > 0 {
		timer := time.AfterFunc(g.opts.AuthTimeout, func() {
			if c.State() != StateUnauthenticated {
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			observability.RecordAuth("timeout")
			c.log().Info("closing unauthenticated connection", "timeout", g.opts.AuthTimeout)
			_ = c.Close()
		})
		go func() {
			<-c.done
			timer.Stop()
		}()
	}
	return c, nil
}

// Serve reads frames from c until the transport fails, the client goes
// away, or ctx is cancelled. It returns after the connection is torn down
// and its writer has exited.
func (g *Gateway) Serve(ctx context.Context, c *Connection) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer func() {
		stop()
		_ = c.Close()
		<-c.writerDone
	}()

	for {
		data, err := c.transport.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log().Debug("read ended", "error", err)
			}
			return
		}

		if g.handshake.Process(ctx, c, data) == outcomeExhausted {
			c.closeAfterFlush()
			<-c.done
			return
		}
	}
}

// Handle runs Accept and Serve for t.
func (g *Gateway) Handle(ctx context.Context, t Transport) {
	c, err := g.Accept(ctx, t)
	if err != nil {
		g.logger.Debug("connection rejected", "remote_addr", t.RemoteAddr(), "error", err)
		return
	}
	g.Serve(ctx, c)
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown refuses new connections, closes every open one and waits for
// their writers to exit or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info("gateway stopped", "closed", len(conns))
		return nil
	case <-ctx.Done():
		return oops.Code("GATEWAY_SHUTDOWN_TIMEOUT").With("open", g.Connections()).Wrap(ctx.Err())
	}
}

func (g *Gateway) forget(c *Connection) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}
