// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package broadcast

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/pkg/errutil"
)

// fakeListenConn feeds notifications or a connection error to the listen
// loop.
type fakeListenConn struct {
	notes  chan *pgconn.Notification
	fail   chan error
	closed atomic.Bool

	mu    sync.Mutex
	execs []string
}

func newFakeListenConn() *fakeListenConn {
	return &fakeListenConn{
		notes: make(chan *pgconn.Notification, 16),
		fail:  make(chan error, 1),
	}
}

func (c *fakeListenConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *fakeListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n := <-c.notes:
		return n, nil
	case err := <-c.fail:
		return nil, err
	}
}

func (c *fakeListenConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *fakeListenConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

// dialSequence hands out conns in order and fails once they run out.
func dialSequence(conns ...*fakeListenConn) (ListenDialer, *atomic.Int32) {
	var dials atomic.Int32
	return func(context.Context) (ListenConn, error) {
		i := int(dials.Add(1)) - 1
		if i >= len(conns) {
			return nil, errors.New("connection refused")
		}
		return conns[i], nil
	}, &dials
}

func notification(t *testing.T, channel string, msg core.ClusterMessage) *pgconn.Notification {
	t.Helper()
	data, err := core.EncodeClusterMessage(msg)
	require.NoError(t, err)
	return &pgconn.Notification{Channel: channel, Payload: string(data)}
}

func TestPostgresBroadcaster_Publish(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	msg := testMessage(t, "node-a", "user:42", 1)
	data, err := core.EncodeClusterMessage(msg)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_notify($1, $2)`)).
		WithArgs(DefaultChannel, string(data)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	b := NewPostgresBroadcaster(mock, nil, Config{}, nil)
	require.NoError(t, b.Publish(context.Background(), msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroadcaster_PublishErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_notify($1, $2)`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	b := NewPostgresBroadcaster(mock, nil, Config{}, nil)

	err = b.Publish(context.Background(), testMessage(t, "node-a", "user:42", 1))
	errutil.AssertErrorCode(t, err, "BROADCAST_PUBLISH_FAILED")
	errutil.AssertErrorContext(t, err, "channel", DefaultChannel)
	assert.ErrorContains(t, err, "connection reset")

	big := core.MustEnvelope(core.KindNotify, map[string]string{"message": strings.Repeat("x", pgNotifyMaxPayload)})
	err = b.Publish(context.Background(), core.ClusterMessage{Origin: "a", Topic: "user:42", Envelope: big})
	errutil.AssertErrorCode(t, err, "BROADCAST_PUBLISH_FAILED")

	assert.NoError(t, mock.ExpectationsWereMet(), "oversized payloads never reach the database")
}

func TestPostgresBroadcaster_SubscribeListensAndDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeListenConn()
	dial, _ := dialSequence(conn)
	b := NewPostgresBroadcaster(nil, dial, Config{Channel: "notifybus.fanout"}, nil)

	received := collect(t, context.Background(), b)
	assert.Equal(t, []string{`LISTEN "notifybus.fanout"`}, conn.statements())

	want := testMessage(t, "node-b", "user:42", 1)
	conn.notes <- notification(t, "other_channel", testMessage(t, "node-b", "user:42", 99))
	conn.notes <- &pgconn.Notification{Channel: "notifybus.fanout", Payload: "{broken"}
	conn.notes <- notification(t, "notifybus.fanout", want)

	assert.Equal(t, want, receive(t, received))

	require.NoError(t, b.Close())
	assert.True(t, conn.closed.Load())
}

func TestPostgresBroadcaster_ReconnectsAfterConnectionLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	first, second := newFakeListenConn(), newFakeListenConn()
	dial, dials := dialSequence(first, second)
	b := NewPostgresBroadcaster(nil, dial, Config{ReconnectInitial: time.Millisecond}, nil)
	defer b.Close()

	received := collect(t, context.Background(), b)

	first.fail <- errors.New("server closed the connection unexpectedly")
	require.Eventually(t, func() bool { return dials.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())

	want := testMessage(t, "node-b", "user:42", 2)
	second.notes <- notification(t, DefaultChannel, want)
	assert.Equal(t, want, receive(t, received))
}

func TestPostgresBroadcaster_SubscribeFailsWhenDialFails(t *testing.T) {
	dial, _ := dialSequence()
	b := NewPostgresBroadcaster(nil, dial, Config{}, nil)

	err := b.Subscribe(context.Background(), func(core.ClusterMessage) {})
	errutil.AssertErrorCode(t, err, "BROADCAST_SUBSCRIBE_FAILED")
}

func TestPostgresBroadcaster_ContextCancelStopsListening(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeListenConn()
	dial, _ := dialSequence(conn)
	b := NewPostgresBroadcaster(nil, dial, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	collect(t, ctx, b)
	cancel()

	require.Eventually(t, conn.closed.Load, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
}
