// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package core

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"

	"github.com/hirewire/notifybus/internal/observability"
)

// Delivery errors reported by Member.Deliver.
var (
	// ErrConnectionClosed means the member was torn down before delivery.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSlowConsumer means the member's outbound queue is full.
	ErrSlowConsumer = errors.New("outbound queue full")
)

// Member is a live connection that can join a topic.
type Member interface {
	// ID returns the connection identifier.
	ID() ulid.ULID
	// Deliver queues env for the connection without blocking.
	Deliver(env Envelope) error
	// Close tears the connection down and leaves every topic it joined.
	// It must be safe to call repeatedly and from any goroutine.
	Close() error
}

// registryShards must be a power of two.
const registryShards = 32

type registryShard struct {
	mu     sync.RWMutex
	topics map[string]map[ulid.ULID]Member
}

// Registry maps topics to the local connections subscribed to them.
// Topics are spread over independently locked shards, so joins, leaves and
// fanout on one topic do not wait on unrelated topics.
type Registry struct {
	shards [registryShards]registryShard
	logger *slog.Logger
}

// RegistryStats is a point-in-time count of the registry contents.
type RegistryStats struct {
	Topics  int
	Members int
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	for i := range r.shards {
		r.shards[i].topics = make(map[string]map[ulid.ULID]Member)
	}
	return r
}

func (r *Registry) shard(topic string) *registryShard {
	return &r.shards[xxhash.Sum64String(topic)&(registryShards-1)]
}

// Join adds m to topic. Joining twice has the effect of joining once.
// It reports whether m was newly added.
func (r *Registry) Join(topic string, m Member) bool {
	s := r.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.topics[topic]
	if !ok {
		members = make(map[ulid.ULID]Member, 1)
		s.topics[topic] = members
	}
	if _, exists := members[m.ID()]; exists {
		return false
	}
	members[m.ID()] = m
	return true
}

// Leave removes m from topic. Leaving a topic m never joined is a no-op.
// It reports whether m was a member.
func (r *Registry) Leave(topic string, m Member) bool {
	s := r.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.topics[topic]
	if !ok {
		return false
	}
	if _, exists := members[m.ID()]; !exists {
		return false
	}
	delete(members, m.ID())
	if len(members) == 0 {
		delete(s.topics, topic)
	}
	return true
}

// MembersOf returns a snapshot of the local members of topic.
func (r *Registry) MembersOf(topic string) []Member {
	s := r.shard(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.topics[topic]
	result := make([]Member, 0, len(members))
	for _, m := range members {
		result = append(result, m)
	}
	return result
}

// Broadcast delivers env to every local member of topic and returns how
// many accepted it. The member set is captured under the shard lock and
// delivered to outside it. A member that cannot accept the envelope is
// evicted and closed; the failure never reaches the caller.
func (r *Registry) Broadcast(topic string, env Envelope) int {
	members := r.MembersOf(topic)

	delivered := 0
	for _, m := range members {
		err := m.Deliver(env)
		if err == nil {
			delivered++
			continue
		}
		r.evict(topic, m, env, err)
	}

	if delivered > 0 {
		observability.RecordDelivered(delivered)
	}
	return delivered
}

func (r *Registry) evict(topic string, m Member, env Envelope, err error) {
	reason := "closed"
	if errors.Is(err, ErrSlowConsumer) {
		reason = "slow_consumer"
	}
	observability.RecordDropped(reason)

	r.logger.Warn("envelope dropped for member",
		"topic", topic,
		"conn_id", m.ID().String(),
		"kind", env.Kind(),
		"reason", reason,
	)

	// Close leaves the topic.
	if closeErr := m.Close(); closeErr != nil {
		r.logger.Debug("error closing evicted member",
			"conn_id", m.ID().String(),
			"error", closeErr,
		)
	}
}

// Stats counts topics and members across all shards.
func (r *Registry) Stats() RegistryStats {
	var stats RegistryStats
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		stats.Topics += len(s.topics)
		for _, members := range s.topics {
			stats.Members += len(members)
		}
		s.mu.RUnlock()
	}
	return stats
}
