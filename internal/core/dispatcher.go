// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package core

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hirewire/notifybus/internal/observability"
)

var tracer = otel.Tracer("notifybus/core")

// DefaultOutboxSize is the number of envelopes queued for the cluster
// backend before new ones are dropped.
const DefaultOutboxSize = 1024

// Publisher is the interface business logic uses to push an event. Callers
// must have persisted the underlying fact before publishing.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Dispatcher fans envelopes out to local members and, through an optional
// Broadcaster, to members on other nodes.
type Dispatcher struct {
	registry *Registry
	cluster  Broadcaster
	nodeID   string
	outbox   chan ClusterMessage
	logger   *slog.Logger
	running  atomic.Bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCluster enables cross-node fanout through b.
func WithCluster(b Broadcaster) DispatcherOption {
	return func(d *Dispatcher) {
		d.cluster = b
	}
}

// WithNodeID overrides the generated node id.
func WithNodeID(id string) DispatcherOption {
	return func(d *Dispatcher) {
		d.nodeID = id
	}
}

// WithOutboxSize sets the cluster outbox capacity.
func WithOutboxSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.outbox = make(chan ClusterMessage, n)
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, oops.Errorf("registry is required")
	}
	d := &Dispatcher{
		registry: registry,
		nodeID:   NewULID().String(),
		outbox:   make(chan ClusterMessage, DefaultOutboxSize),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.nodeID == "" {
		return nil, oops.Errorf("node id cannot be empty")
	}
	return d, nil
}

// NodeID returns the id stamped on messages this node publishes.
func (d *Dispatcher) NodeID() string {
	return d.nodeID
}

// Publish delivers env to every connection that is a member of topic at
// this instant, on this node and, when a cluster backend is configured, on
// every other node. It never waits for delivery. Publishing to a topic
// with no members succeeds. Only a malformed topic or envelope is an error.
func (d *Dispatcher) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if env.IsZero() {
		return oops.Code("ENVELOPE_INVALID").With("topic", topic).Errorf("envelope is empty")
	}

	_, span := tracer.Start(ctx, "fanout.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("fanout.topic", topic),
		attribute.String("fanout.kind", string(env.Kind())),
	)

	delivered := d.registry.Broadcast(topic, env)
	observability.RecordPublished(string(env.Kind()))
	span.SetAttributes(attribute.Int("fanout.local_delivered", delivered))

	if d.cluster == nil {
		return nil
	}

	msg := ClusterMessage{Origin: d.nodeID, Topic: topic, Envelope: env}
	select {
	case d.outbox <- msg:
	default:
		observability.RecordDropped("outbox_full")
		d.logger.Warn("cluster outbox full, envelope not forwarded",
			"topic", topic,
			"kind", env.Kind(),
		)
	}
	return nil
}

// Run subscribes to the cluster backend and forwards queued envelopes to it
// until ctx is cancelled. Without a cluster backend it just waits.
// Envelopes are forwarded in publish order.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return oops.Errorf("dispatcher already running")
	}
	defer d.running.Store(false)

	if d.cluster == nil {
		<-ctx.Done()
		return nil
	}

	if err := d.cluster.Subscribe(ctx, d.receive); err != nil {
		return oops.Code("BROADCAST_SUBSCRIBE_FAILED").With("node_id", d.nodeID).Wrap(err)
	}
	d.logger.Info("cluster fanout started", "node_id", d.nodeID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-d.outbox:
			if err := d.cluster.Publish(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				observability.RecordClusterMessage("publish_failed")
				d.logger.Warn("cluster publish failed",
					"topic", msg.Topic,
					"kind", msg.Envelope.Kind(),
					"error", err,
				)
				continue
			}
			observability.RecordClusterMessage("out")
		}
	}
}

// receive delivers a message published by another node to local members.
func (d *Dispatcher) receive(msg ClusterMessage) {
	if msg.Origin == d.nodeID {
		return
	}
	if err := ValidateTopic(msg.Topic); err != nil {
		d.logger.Debug("ignoring cluster message with invalid topic",
			"origin", msg.Origin,
			"error", err,
		)
		return
	}
	observability.RecordClusterMessage("in")
	d.registry.Broadcast(msg.Topic, msg.Envelope)
}
