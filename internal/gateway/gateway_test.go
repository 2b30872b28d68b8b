// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/notifybus/internal/auth"
	"github.com/hirewire/notifybus/internal/core"
)

// memTransport is an in-memory Transport. The test plays the client through
// send and next.
type memTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	// stall, when set, blocks every write until the transport closes.
	stall atomic.Bool
}

func newMemTransport() *memTransport {
	return &memTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (m *memTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-m.in:
		return data, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *memTransport) WriteFrame(data []byte) error {
	if m.stall.Load() {
		<-m.closed
		return net.ErrClosed
	}
	select {
	case m.out <- data:
		return nil
	case <-m.closed:
		return net.ErrClosed
	}
}

func (m *memTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *memTransport) RemoteAddr() string { return "mem" }

func (m *memTransport) Kind() string { return "memory" }

func (m *memTransport) send(frame string) {
	m.in <- []byte(frame)
}

func (m *memTransport) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// next returns the next frame written to the client.
func (m *memTransport) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-m.out:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (m *memTransport) nextKind(t *testing.T) core.Kind {
	t.Helper()
	var head struct {
		Type core.Kind `json:"type"`
	}
	require.NoError(t, json.Unmarshal(m.next(t), &head))
	return head.Type
}

func (m *memTransport) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case data := <-m.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// tokenVerifier accepts "token-<subject>".
var tokenVerifier = auth.VerifierFunc(func(_ context.Context, token string) (string, bool) {
	const prefix = "token-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", false
	}
	return token[len(prefix):], true
})

func authFrame(token string) string {
	return `{"type":"authenticate","token":"` + token + `"}`
}

type harness struct {
	gw       *Gateway
	registry *core.Registry
	ctx      context.Context
	wg       sync.WaitGroup
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	registry := core.NewRegistry(slog.Default())
	gw, err := New(registry, tokenVerifier, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{gw: gw, registry: registry, ctx: ctx}
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		assert.NoError(t, gw.Shutdown(shutdownCtx))
		h.wg.Wait()
	})
	return h
}

// connect starts serving a fresh transport and consumes auth_required.
func (h *harness) connect(t *testing.T) (*memTransport, *Connection) {
	t.Helper()
	tr := newMemTransport()
	c, err := h.gw.Accept(h.ctx, tr)
	require.NoError(t, err)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.gw.Serve(h.ctx, c)
	}()
	require.Equal(t, core.KindAuthRequired, tr.nextKind(t))
	return tr, c
}

func (h *harness) authenticate(t *testing.T, subject string) (*memTransport, *Connection) {
	t.Helper()
	tr, c := h.connect(t)
	tr.send(authFrame("token-" + subject))
	require.Equal(t, core.KindAuthSuccess, tr.nextKind(t))
	return tr, c
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, tokenVerifier, Options{})
	assert.Error(t, err)

	_, err = New(core.NewRegistry(nil), nil, Options{})
	assert.Error(t, err)
}

func TestGateway_SendsAuthRequiredFirst(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	_, c := h.connect(t)

	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Empty(t, c.Subject())
	assert.Equal(t, 1, h.gw.Connections())
}

func TestGateway_AuthenticatesAndJoinsUserTopic(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	tr, c := h.authenticate(t, "42")

	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, "42", c.Subject())
	members := h.registry.MembersOf("user:42")
	require.Len(t, members, 1)
	assert.Equal(t, c.ID(), members[0].ID())

	env := core.MustEnvelope(core.KindNotify, map[string]any{"notification_id": 7})
	assert.Equal(t, 1, h.registry.Broadcast("user:42", env))
	assert.Equal(t, env.String(), string(tr.next(t)))
	tr.expectSilence(t)
}

func TestGateway_RejectedTokenAllowsRetry(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	tr, c := h.connect(t)

	tr.send(authFrame("forged"))
	assert.Equal(t, core.KindAuthFail, tr.nextKind(t))
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Empty(t, h.registry.MembersOf("user:forged"))
	assert.False(t, tr.isClosed())

	tr.send(authFrame("token-42"))
	assert.Equal(t, core.KindAuthSuccess, tr.nextKind(t))
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestGateway_UnpublishableSubjectFails(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	tr, c := h.connect(t)

	tr.send(authFrame("token-john doe"))
	assert.Equal(t, core.KindAuthFail, tr.nextKind(t))
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Equal(t, 0, h.registry.Stats().Members)
	assert.False(t, tr.isClosed())
}

func TestGateway_MalformedFramesFail(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: "hello"},
		{name: "json array", frame: `[1,2]`},
		{name: "missing type", frame: `{"token":"token-42"}`},
		{name: "wrong type", frame: `{"type":"subscribe","token":"token-42"}`},
		{name: "missing token", frame: `{"type":"authenticate"}`},
		{name: "empty token", frame: `{"type":"authenticate","token":""}`},
		{name: "token not a string", frame: `{"type":"authenticate","token":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			tr, c := h.connect(t)

			tr.send(tt.frame)

			assert.Equal(t, core.KindAuthFail, tr.nextKind(t))
			assert.Equal(t, StateUnauthenticated, c.State())
			assert.Zero(t, h.registry.Stats().Members)
		})
	}
}

func TestGateway_IgnoresAuthenticateAfterSuccess(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	tr, c := h.authenticate(t, "42")

	tr.send(authFrame("token-7"))
	tr.send(`{"type":"ping"}`)
	tr.send("garbage")
	tr.expectSilence(t)

	assert.Equal(t, "42", c.Subject())
	assert.Empty(t, h.registry.MembersOf("user:7"))
	assert.Len(t, h.registry.MembersOf("user:42"), 1)
}

func TestGateway_ClientCloseLeavesRegistry(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	tr, c := h.authenticate(t, "42")
	require.Len(t, h.registry.MembersOf("user:42"), 1)

	require.NoError(t, tr.Close())
	waitClosed(t, c)

	assert.Empty(t, h.registry.MembersOf("user:42"))
	assert.Eventually(t, func() bool { return h.gw.Connections() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.registry.Broadcast("user:42", core.MustEnvelope(core.KindNotify, nil)))
}

func TestGateway_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	_, c := h.authenticate(t, "42")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
	}
	wg.Wait()

	assert.Empty(t, h.registry.MembersOf("user:42"))
	assert.ErrorIs(t, c.Deliver(core.MustEnvelope(core.KindNotify, nil)), core.ErrConnectionClosed)
}

func TestGateway_AuthTimeoutClosesUnauthenticated(t *testing.T) {
	h := newHarness(t, Options{AuthTimeout: 50 * time.Millisecond})

	tr, c := h.connect(t)

	waitClosed(t, c)
	assert.True(t, tr.isClosed())
}

func TestGateway_AuthTimeoutSparesAuthenticated(t *testing.T) {
	h := newHarness(t, Options{AuthTimeout: 50 * time.Millisecond})

	tr, c := h.authenticate(t, "42")

	time.Sleep(150 * time.Millisecond)
	assert.False(t, tr.isClosed())
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestGateway_NoAuthTimeoutWhenDisabled(t *testing.T) {
	h := newHarness(t, Options{})

	tr, c := h.connect(t)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, tr.isClosed())
	assert.Equal(t, StateUnauthenticated, c.State())
}

func TestGateway_MaxAuthAttemptsFlushesFinalFail(t *testing.T) {
	h := newHarness(t, Options{MaxAuthAttempts: 2})

	tr, c := h.connect(t)

	tr.send(authFrame("bad"))
	assert.Equal(t, core.KindAuthFail, tr.nextKind(t))
	assert.False(t, tr.isClosed())

	tr.send(authFrame("bad"))
	assert.Equal(t, core.KindAuthFail, tr.nextKind(t))

	waitClosed(t, c)
	assert.True(t, tr.isClosed())
}

func TestGateway_UnlimitedAttempts(t *testing.T) {
	h := newHarness(t, Options{})

	tr, c := h.connect(t)
	for i := 0; i < 20; i++ {
		tr.send(authFrame("bad"))
		require.Equal(t, core.KindAuthFail, tr.nextKind(t))
	}

	tr.send(authFrame("token-42"))
	assert.Equal(t, core.KindAuthSuccess, tr.nextKind(t))
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestGateway_SlowConsumerIsEvicted(t *testing.T) {
	h := newHarness(t, Options{SendQueueSize: 2})

	tr, c := h.authenticate(t, "42")
	tr.stall.Store(true)

	// A second, healthy member of the same topic keeps receiving.
	healthy, _ := h.authenticate(t, "42")

	env := core.MustEnvelope(core.KindNotify, nil)
	for i := 0; i < 10; i++ {
		h.registry.Broadcast("user:42", env)
		_ = healthy.next(t)
	}

	waitClosed(t, c)
	members := h.registry.MembersOf("user:42")
	require.Len(t, members, 1)
	assert.NotEqual(t, c.ID(), members[0].ID())
}

func TestGateway_DeliverOrder(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	tr, _ := h.authenticate(t, "42")

	for i := 1; i <= 100; i++ {
		env := core.MustEnvelope(core.KindNotify, map[string]int{"notification_id": i})
		require.Equal(t, 1, h.registry.Broadcast("user:42", env))
	}
	for i := 1; i <= 100; i++ {
		var payload struct {
			ID int `json:"notification_id"`
		}
		require.NoError(t, json.Unmarshal(tr.next(t), &payload))
		require.Equal(t, i, payload.ID)
	}
}

func TestGateway_FanoutToEveryConnectionOfSubject(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	first, _ := h.authenticate(t, "42")
	second, _ := h.authenticate(t, "42")
	other, _ := h.authenticate(t, "7")

	env := core.MustEnvelope(core.KindNotify, map[string]string{"title": "hi"})
	assert.Equal(t, 2, h.registry.Broadcast("user:42", env))

	assert.Equal(t, env.String(), string(first.next(t)))
	assert.Equal(t, env.String(), string(second.next(t)))
	other.expectSilence(t)
}

func TestGateway_AuthSuccessPrecedesNotifications(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	tr, _ := h.connect(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env := core.MustEnvelope(core.KindNotify, nil)
		for {
			select {
			case <-stop:
				return
			default:
				h.registry.Broadcast("user:42", env)
			}
		}
	}()

	tr.send(authFrame("token-42"))
	first := tr.nextKind(t)
	close(stop)
	wg.Wait()

	assert.Equal(t, core.KindAuthSuccess, first)
}

func TestGateway_BroadcastRacingClose(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	conns := make([]*Connection, 0, 20)
	for i := 0; i < 20; i++ {
		_, c := h.authenticate(t, "42")
		conns = append(conns, c)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		env := core.MustEnvelope(core.KindNotify, nil)
		for i := 0; i < 200; i++ {
			h.registry.Broadcast("user:42", env)
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	wg.Wait()

	assert.Empty(t, h.registry.MembersOf("user:42"))
}

func TestGateway_ContextCancelClosesConnection(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	tr := newMemTransport()
	c, err := h.gw.Accept(ctx, tr)
	require.NoError(t, err)

	served := make(chan struct{})
	go func() {
		defer close(served)
		h.gw.Serve(ctx, c)
	}()

	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, tr.isClosed())
}

func TestGateway_ShutdownClosesAndRefuses(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	conns := make([]*Connection, 0, 3)
	for i := 0; i < 3; i++ {
		_, c := h.authenticate(t, strconv.Itoa(i))
		conns = append(conns, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))

	for _, c := range conns {
		waitClosed(t, c)
	}
	assert.Zero(t, h.registry.Stats().Members)

	tr := newMemTransport()
	_, err := h.gw.Accept(context.Background(), tr)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.True(t, tr.isClosed())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "unknown", State(9).String())
}
