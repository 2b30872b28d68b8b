// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package core

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"
)

// ClusterMessage carries one published envelope between nodes.
type ClusterMessage struct {
	Origin   string   `json:"origin"`
	Topic    string   `json:"topic"`
	Envelope Envelope `json:"envelope"`
}

// Broadcaster moves cluster messages between nodes over a shared pub-sub
// medium.
type Broadcaster interface {
	// Publish sends msg to every subscribed node, including the sender.
	Publish(ctx context.Context, msg ClusterMessage) error

	// Subscribe registers handle and returns once the subscription is
	// active. handle is called from a single goroutine in arrival order
	// until ctx is cancelled or the broadcaster is closed.
	Subscribe(ctx context.Context, handle func(ClusterMessage)) error

	// Close releases the underlying connection.
	Close() error
}

// EncodeClusterMessage returns the wire form of msg.
func EncodeClusterMessage(msg ClusterMessage) ([]byte, error) {
	if err := validateClusterMessage(msg); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, oops.Code("CLUSTER_MESSAGE_INVALID").With("topic", msg.Topic).Wrap(err)
	}
	return data, nil
}

// DecodeClusterMessage parses and validates a cluster message.
func DecodeClusterMessage(data []byte) (ClusterMessage, error) {
	var msg ClusterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClusterMessage{}, oops.Code("CLUSTER_MESSAGE_INVALID").Wrap(err)
	}
	if err := validateClusterMessage(msg); err != nil {
		return ClusterMessage{}, err
	}
	return msg, nil
}

func validateClusterMessage(msg ClusterMessage) error {
	if msg.Origin == "" {
		return oops.Code("CLUSTER_MESSAGE_INVALID").Errorf("cluster message is missing origin")
	}
	if err := ValidateTopic(msg.Topic); err != nil {
		return err
	}
	if msg.Envelope.IsZero() {
		return oops.Code("CLUSTER_MESSAGE_INVALID").
			With("topic", msg.Topic).
			Errorf("cluster message is missing envelope")
	}
	return nil
}
