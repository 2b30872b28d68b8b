// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/hirewire/notifybus/internal/core"
)

// MemoryStore is an in-memory Store for tests and single-node setups
// without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	lastID      int64
	byRecipient map[string][]core.Notification
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRecipient: make(map[string][]core.Notification),
		now:         time.Now,
	}
}

// Create assigns the next id and the current time.
func (s *MemoryStore) Create(_ context.Context, n core.Notification) (core.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	n.ID = s.lastID
	n.CreatedAt = s.now().UTC()
	n.IsRead = false
	if n.Related != nil {
		related := *n.Related
		n.Related = &related
	}
	s.byRecipient[n.RecipientID] = append(s.byRecipient[n.RecipientID], n)
	return n, nil
}

// History returns notifications newest first.
func (s *MemoryStore) History(_ context.Context, recipientID string, beforeID int64, limit int) ([]core.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = ClampLimit(limit)
	records := s.byRecipient[recipientID]
	result := make([]core.Notification, 0, min(limit, len(records)))
	// Records are stored in id order.
	for i := len(records) - 1; i >= 0 && len(result) < limit; i-- {
		if beforeID > 0 && records[i].ID >= beforeID {
			continue
		}
		result = append(result, records[i])
	}
	return result, nil
}

// MarkRead flags a notification as read.
func (s *MemoryStore) MarkRead(_ context.Context, recipientID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.byRecipient[recipientID]
	for i := range records {
		if records[i].ID == id {
			records[i].IsRead = true
			return nil
		}
	}
	return ErrNotFound
}

// UnreadCount counts unread notifications.
func (s *MemoryStore) UnreadCount(_ context.Context, recipientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.byRecipient[recipientID] {
		if !r.IsRead {
			n++
		}
	}
	return n, nil
}
