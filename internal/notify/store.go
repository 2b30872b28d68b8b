// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package notify persists notifications and pushes them to connected
// recipients.
package notify

import (
	"context"
	"errors"

	"github.com/hirewire/notifybus/internal/core"
)

// History page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ErrNotFound is returned when a notification does not exist or belongs to
// another recipient.
var ErrNotFound = errors.New("notification not found")

// Store persists notifications. It is the durable side of write-then-publish.
type Store interface {
	// Create persists n and returns it with ID and CreatedAt assigned.
	Create(ctx context.Context, n core.Notification) (core.Notification, error)

	// History returns up to limit notifications for recipientID, newest
	// first, with ids below beforeID. A beforeID of 0 starts at the newest.
	History(ctx context.Context, recipientID string, beforeID int64, limit int) ([]core.Notification, error)

	// MarkRead flags one of recipientID's notifications as read.
	MarkRead(ctx context.Context, recipientID string, id int64) error

	// UnreadCount counts recipientID's unread notifications.
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

// ClampLimit maps a requested page size onto [1, MaxHistoryLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
