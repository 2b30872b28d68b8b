// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/notifybus/internal/core"
)

func seed(t *testing.T, s *MemoryStore, recipient string, n int) []core.Notification {
	t.Helper()
	out := make([]core.Notification, 0, n)
	for range n {
		created, err := s.Create(context.Background(), core.Notification{
			RecipientID: recipient,
			Type:        core.NotificationSystem,
			Title:       "hello",
		})
		require.NoError(t, err)
		out = append(out, created)
	}
	return out
}

func TestMemoryStore_CreateAssignsIDAndTime(t *testing.T) {
	s := NewMemoryStore()
	related := &core.RelatedObject{Type: "job", ID: 3}

	first, err := s.Create(context.Background(), core.Notification{
		RecipientID: "42",
		Type:        core.NotificationJobApplied,
		Title:       "New applicant",
		IsRead:      true,
		Related:     related,
	})
	require.NoError(t, err)
	second := seed(t, s, "7", 1)[0]

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.False(t, first.IsRead)

	related.ID = 99
	history, err := s.History(context.Background(), "42", 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(3), history[0].Related.ID)
}

func TestMemoryStore_HistoryNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "42", 5)
	seed(t, s, "7", 2)

	tests := []struct {
		name     string
		beforeID int64
		limit    int
		want     []int64
	}{
		{name: "from newest", beforeID: 0, limit: 3, want: []int64{5, 4, 3}},
		{name: "before cursor", beforeID: 4, limit: 10, want: []int64{3, 2, 1}},
		{name: "cursor past start", beforeID: 1, limit: 10, want: []int64{}},
		{name: "default limit", beforeID: 0, limit: 0, want: []int64{5, 4, 3, 2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history, err := s.History(context.Background(), "42", tt.beforeID, tt.limit)
			require.NoError(t, err)

			ids := make([]int64, 0, len(history))
			for _, n := range history {
				assert.Equal(t, "42", n.RecipientID)
				ids = append(ids, n.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_HistoryUnknownRecipient(t *testing.T) {
	history, err := NewMemoryStore().History(context.Background(), "nobody", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStore_MarkRead(t *testing.T) {
	s := NewMemoryStore()
	mine := seed(t, s, "42", 2)
	theirs := seed(t, s, "7", 1)
	ctx := context.Background()

	count, err := s.UnreadCount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.MarkRead(ctx, "42", mine[0].ID))
	require.NoError(t, s.MarkRead(ctx, "42", mine[0].ID))

	count, err = s.UnreadCount(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, s.MarkRead(ctx, "42", theirs[0].ID), ErrNotFound)
	assert.ErrorIs(t, s.MarkRead(ctx, "42", 999), ErrNotFound)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultHistoryLimit, ClampLimit(0))
	assert.Equal(t, DefaultHistoryLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxHistoryLimit, ClampLimit(MaxHistoryLimit+1))
}
