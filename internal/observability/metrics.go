// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Package-level collectors let the registry, dispatcher and gateway record
// events without holding a reference to the Server.
var (
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifybus_connections_active",
			Help: "Number of open client connections by transport",
		},
		[]string{"transport"},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybus_connections_total",
			Help: "Total number of accepted client connections by transport",
		},
		[]string{"transport"},
	)
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybus_auth_attempts_total",
			Help: "Total number of handshake outcomes by result",
		},
		[]string{"result"},
	)
	envelopesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybus_envelopes_published_total",
			Help: "Total number of envelopes published by kind",
		},
		[]string{"kind"},
	)
	envelopesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifybus_envelopes_delivered_total",
			Help: "Total number of envelopes queued to local connections",
		},
	)
	envelopesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybus_envelopes_dropped_total",
			Help: "Total number of envelopes dropped by reason",
		},
		[]string{"reason"},
	)
	clusterMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybus_cluster_messages_total",
			Help: "Total number of cluster messages by direction",
		},
		[]string{"direction"},
	)
	notificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifybus_notifications_created_total",
			Help: "Total number of notifications persisted by type",
		},
		[]string{"type"},
	)
)

func notifybusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		connectionsActive,
		connectionsTotal,
		authAttempts,
		envelopesPublished,
		envelopesDelivered,
		envelopesDropped,
		clusterMessages,
		notificationsCreated,
	}
}

// RegisterMetrics registers the notifybus collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range notifybusCollectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordConnectionOpened counts an accepted connection.
func RecordConnectionOpened(transport string) {
	connectionsTotal.WithLabelValues(transport).Inc()
	connectionsActive.WithLabelValues(transport).Inc()
}

// RecordConnectionClosed decrements the open connection gauge.
func RecordConnectionClosed(transport string) {
	connectionsActive.WithLabelValues(transport).Dec()
}

// RecordAuth counts a handshake outcome such as "success", "fail" or "timeout".
func RecordAuth(result string) {
	authAttempts.WithLabelValues(result).Inc()
}

// RecordPublished counts a published envelope.
func RecordPublished(kind string) {
	envelopesPublished.WithLabelValues(kind).Inc()
}

// RecordDelivered counts n envelopes handed to local connections.
func RecordDelivered(n int) {
	envelopesDelivered.Add(float64(n))
}

// RecordDropped counts an envelope that was not delivered.
func RecordDropped(reason string) {
	envelopesDropped.WithLabelValues(reason).Inc()
}

// RecordClusterMessage counts a cluster message; direction is "in", "out"
// or "publish_failed".
func RecordClusterMessage(direction string) {
	clusterMessages.WithLabelValues(direction).Inc()
}

// RecordNotificationCreated counts a persisted notification.
func RecordNotificationCreated(notificationType string) {
	notificationsCreated.WithLabelValues(notificationType).Inc()
}
