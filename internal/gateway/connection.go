// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/observability"
)

// DefaultSendQueueSize is the per-connection outbound queue capacity.
const DefaultSendQueueSize = 256

// State is the handshake state of a connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

var (
	authRequired = core.MustEnvelope(core.KindAuthRequired, nil)
	authSuccess  = core.MustEnvelope(core.KindAuthSuccess, nil)
	authFail     = core.MustEnvelope(core.KindAuthFail, nil)
)

// Connection is one client session. It exclusively owns its transport and
// implements core.Member.
type Connection struct {
	id        ulid.ULID
	transport Transport
	kind      string
	registry  *core.Registry
	logger    *slog.Logger
	opened    time.Time

	// sendMu orders Deliver against the auth_success reply so that no
	// notification overtakes it.
	sendMu sync.Mutex
	send   chan core.Envelope

	done       chan struct{}
	drain      chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	drainOnce  sync.Once
	onClose    func(*Connection)

	mu       sync.RWMutex
	state    State
	subject  string
	topic    string
	attempts int
}

func newConnection(t Transport, registry *core.Registry, queueSize int, logger *slog.Logger) *Connection {
	id := core.NewULID()
	return &Connection{
		id:         id,
		transport:  t,
		kind:       transportKind(t),
		registry:   registry,
		logger:     logger.With("conn_id", id.String(), "remote_addr", t.RemoteAddr()),
		opened:     time.Now(),
		send:       make(chan core.Envelope, queueSize),
		done:       make(chan struct{}),
		drain:      make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() ulid.ULID {
	return c.id
}

// RemoteAddr returns the peer address reported by the transport.
func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// State returns the handshake state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subject returns the bound subject, or "" before authentication.
func (c *Connection) Subject() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subject
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Deliver queues env without blocking. It returns core.ErrConnectionClosed
// after teardown and core.ErrSlowConsumer when the queue is full.
func (c *Connection) Deliver(env core.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enqueue(env)
}

// enqueue requires sendMu.
func (c *Connection) enqueue(env core.Envelope) error {
	select {
	case <-c.done:
		return core.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return core.ErrSlowConsumer
	}
}

// bind moves the connection to Authenticated and joins the subject's topic.
// It reports false when the connection was already bound or is closed.
func (c *Connection) bind(subject string) bool {
	topic := core.UserTopic(subject)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.mu.Unlock()
		return false
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return false
	default:
	}
	c.state = StateAuthenticated
	c.subject = subject
	c.topic = topic
	c.logger = c.logger.With("subject", subject)
	c.mu.Unlock()

	// Deliver waits on sendMu, so nothing published after the join can
	// overtake auth_success.
	c.registry.Join(topic, c)
	if err := c.enqueue(authSuccess); err != nil {
		c.log().Debug("could not queue auth_success", "error", err)
	}
	return true
}

// failAttempt queues auth_fail and returns the number of failed attempts.
func (c *Connection) failAttempt() int {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.mu.Unlock()

	if err := c.Deliver(authFail); err != nil {
		c.logger.Debug("could not queue auth_fail", "error", err)
	}
	return n
}

func (c *Connection) log() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// Close tears the connection down. The first call leaves the registry,
// closes the transport and stops the writer; later calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Taken with sendMu so a concurrent bind either sees done or has
		// already joined.
		c.sendMu.Lock()
		close(c.done)
		c.mu.RLock()
		topic := c.topic
		c.mu.RUnlock()
		c.sendMu.Unlock()

		if topic != "" {
			c.registry.Leave(topic, c)
		}

		err = c.transport.Close()
		observability.RecordConnectionClosed(c.kind)
		c.log().Debug("connection closed", "duration", time.Since(c.opened))

		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// closeAfterFlush writes whatever is already queued and then closes.
func (c *Connection) closeAfterFlush() {
	c.drainOnce.Do(func() {
		close(c.drain)
	})
}

// writeLoop is the only goroutine that writes to the transport.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	var ping <-chan time.Time
	ka, ok := c.transport.(keepalive)
	if ok && ka.PingInterval() > 0 {
		ticker := time.NewTicker(ka.PingInterval())
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if !c.write(env) {
				return
			}
		case <-ping:
			if err := ka.Ping(); err != nil {
				c.log().Debug("ping failed", "error", err)
				_ = c.Close()
				return
			}
		case <-c.drain:
			c.flush()
			_ = c.Close()
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case env := <-c.send:
			if !c.write(env) {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(env core.Envelope) bool {
	if err := c.transport.WriteFrame(env.Bytes()); err != nil {
		select {
		case <-c.done:
		default:
			c.log().Debug("write failed", "kind", env.Kind(), "error", err)
		}
		_ = c.Close()
		return false
	}
	return true
}
