// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/observability"
)

// memoryInboxSize bounds the messages queued for one slow subscriber.
const memoryInboxSize = 1024

// MemoryHub is an in-process pub-sub medium. Each Broadcaster obtained from
// the hub behaves like a separate node attached to the same bus.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	logger *slog.Logger
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		subs:   make(map[*memorySubscription]struct{}),
		logger: logger,
	}
}

// Broadcaster attaches a new node to the hub.
func (h *MemoryHub) Broadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{hub: h}
}

// Subscribers returns the number of active subscriptions on the hub.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *MemoryHub) add(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *MemoryHub) remove(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *MemoryHub) publish(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.push(data) {
			observability.RecordDropped("cluster_backlog")
			h.logger.Warn("memory subscriber backlog full, cluster message dropped")
		}
	}
}

type memorySubscription struct {
	inbox    chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newMemorySubscription() *memorySubscription {
	return &memorySubscription{
		inbox: make(chan []byte, memoryInboxSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// push queues data without blocking. A stopped subscription accepts and
// discards.
func (s *memorySubscription) push(data []byte) bool {
	select {
	case <-s.stop:
		return true
	default:
	}
	select {
	case s.inbox <- data:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// MemoryBroadcaster is one node's handle on a MemoryHub.
type MemoryBroadcaster struct {
	hub *MemoryHub

	mu     sync.Mutex
	subs   []*memorySubscription
	closed bool
}

var _ core.Broadcaster = (*MemoryBroadcaster)(nil)

// Publish sends msg to every subscription on the hub.
func (b *MemoryBroadcaster) Publish(_ context.Context, msg core.ClusterMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return oops.Code("BROADCAST_CLOSED").Errorf("memory broadcaster is closed")
	}

	data, err := core.EncodeClusterMessage(msg)
	if err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").With("topic", msg.Topic).Wrap(err)
	}
	b.hub.publish(data)
	return nil
}

// Subscribe attaches handle to the hub until ctx is done or b is closed.
func (b *MemoryBroadcaster) Subscribe(ctx context.Context, handle func(core.ClusterMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return oops.Code("BROADCAST_CLOSED").Errorf("memory broadcaster is closed")
	}

	sub := newMemorySubscription()
	b.hub.add(sub)
	b.subs = append(b.subs, sub)

	go func() {
		defer close(sub.done)
		defer b.hub.remove(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case data := <-sub.inbox:
				deliver(b.hub.logger, data, handle)
			}
		}
	}()
	return nil
}

// Close detaches every subscription and waits for their goroutines.
func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}
