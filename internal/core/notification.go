// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package core

import (
	"time"

	"github.com/samber/oops"
)

// NotificationType tags what happened.
type NotificationType string

const (
	NotificationCVViewed           NotificationType = "cv_viewed"
	NotificationStatusChanged      NotificationType = "status_changed"
	NotificationNewMessage         NotificationType = "new_message"
	NotificationInterviewInvited   NotificationType = "interview_invited"
	NotificationEnterpriseApproved NotificationType = "enterprise_approved"
	NotificationEnterpriseRejected NotificationType = "enterprise_rejected"
	NotificationJobApplied         NotificationType = "job_applied"
	NotificationSystem             NotificationType = "system"
)

// RelatedObject points at the domain object a notification is about,
// for example {type: "job", id: 3}.
type RelatedObject struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Notification is a persisted notification record. The store that owns it
// assigns ID and CreatedAt.
type Notification struct {
	ID          int64
	RecipientID string
	Type        NotificationType
	Title       string
	Message     string
	Link        string
	IsRead      bool
	CreatedAt   time.Time
	Related     *RelatedObject
}

// Topic returns the recipient's topic.
func (n Notification) Topic() string {
	return UserTopic(n.RecipientID)
}

// NotifyPayload is the body of a notify envelope.
type NotifyPayload struct {
	NotificationID   int64            `json:"notification_id"`
	NotificationType NotificationType `json:"notification_type"`
	Title            string           `json:"title"`
	Message          string           `json:"message"`
	Link             string           `json:"link"`
	IsRead           bool             `json:"is_read"`
	CreatedAt        string           `json:"created_at"`
	RelatedObject    *RelatedObject   `json:"related_object,omitempty"`
}

// NewNotifyEnvelope builds the notify envelope for a persisted record.
// Clients match live pushes against history by id and creation time, so a
// record without either is rejected.
func NewNotifyEnvelope(n Notification) (Envelope, error) {
	if n.ID <= 0 {
		return Envelope{}, oops.Code("NOTIFY_INVALID").
			With("recipient_id", n.RecipientID).
			Errorf("notification id is required")
	}
	if n.CreatedAt.IsZero() {
		return Envelope{}, oops.Code("NOTIFY_INVALID").
			With("notification_id", n.ID).
			Errorf("notification created_at is required")
	}
	if n.Type == "" {
		return Envelope{}, oops.Code("NOTIFY_INVALID").
			With("notification_id", n.ID).
			Errorf("notification type is required")
	}

	return NewEnvelope(KindNotify, NotifyPayload{
		NotificationID:   n.ID,
		NotificationType: n.Type,
		Title:            n.Title,
		Message:          n.Message,
		Link:             n.Link,
		IsRead:           n.IsRead,
		CreatedAt:        n.CreatedAt.UTC().Format(time.RFC3339Nano),
		RelatedObject:    n.Related,
	})
}
