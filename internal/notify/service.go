// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package notify

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/observability"
	"github.com/hirewire/notifybus/pkg/errutil"
)

// Service records notifications and pushes them to the recipient's live
// connections.
type Service struct {
	store     Store
	publisher core.Publisher
	logger    *slog.Logger
}

// NewService creates a service. A nil logger uses slog.Default().
func NewService(store Store, publisher core.Publisher, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("store is required")
	}
	if publisher == nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, publisher: publisher, logger: logger}, nil
}

// Notify persists n and then publishes it to "user:<recipient>". A failed
// push is logged and the stored notification is still returned.
func (s *Service) Notify(ctx context.Context, n core.Notification) (core.Notification, error) {
	if err := validate(n); err != nil {
		return core.Notification{}, err
	}

	created, err := s.store.Create(ctx, n)
	if err != nil {
		return core.Notification{}, oops.Code("NOTIFY_PERSIST_FAILED").
			With("recipient_id", n.RecipientID).
			With("notification_type", n.Type).
			Wrap(err)
	}
	observability.RecordNotificationCreated(string(created.Type))

	env, err := core.NewNotifyEnvelope(created)
	if err != nil {
		errutil.LogError(s.logger, "notification stored but not pushed", err)
		return created, nil
	}
	if err := s.publisher.Publish(ctx, created.Topic(), env); err != nil {
		errutil.LogError(s.logger, "notification stored but not pushed", err)
		return created, nil
	}

	s.logger.Debug("notification pushed",
		"notification_id", created.ID,
		"recipient_id", created.RecipientID,
		"notification_type", created.Type,
	)
	return created, nil
}

// History returns a page of the recipient's notifications, newest first.
func (s *Service) History(ctx context.Context, recipientID string, beforeID int64, limit int) ([]core.Notification, error) {
	if recipientID == "" {
		return nil, oops.Code("NOTIFY_INVALID").Errorf("recipient id is required")
	}
	records, err := s.store.History(ctx, recipientID, beforeID, ClampLimit(limit))
	if err != nil {
		return nil, oops.Code("NOTIFY_HISTORY_FAILED").With("recipient_id", recipientID).Wrap(err)
	}
	return records, nil
}

// MarkRead flags a notification as read. It returns ErrNotFound when the
// notification is not the recipient's.
func (s *Service) MarkRead(ctx context.Context, recipientID string, id int64) error {
	return s.store.MarkRead(ctx, recipientID, id)
}

// UnreadCount counts the recipient's unread notifications.
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return s.store.UnreadCount(ctx, recipientID)
}

func validate(n core.Notification) error {
	if n.RecipientID == "" {
		return oops.Code("NOTIFY_INVALID").Errorf("recipient id is required")
	}
	if err := core.ValidateTopic(n.Topic()); err != nil {
		return oops.Code("NOTIFY_INVALID").With("recipient_id", n.RecipientID).Wrap(err)
	}
	if n.Type == "" {
		return oops.Code("NOTIFY_INVALID").With("recipient_id", n.RecipientID).Errorf("notification type is required")
	}
	if n.Title == "" {
		return oops.Code("NOTIFY_INVALID").
			With("recipient_id", n.RecipientID).
			With("notification_type", n.Type).
			Errorf("notification title is required")
	}
	return nil
}
