// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package store persists notifications in PostgreSQL.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/notify"
)

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	insertNotification = `INSERT INTO notifications
		(recipient_id, notification_type, title, message, link, related_type, related_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	selectColumns = `SELECT id, recipient_id, notification_type, title, message, link, is_read,
		related_type, related_id, created_at FROM notifications`

	selectHistory = selectColumns + `
		WHERE recipient_id = $1 ORDER BY id DESC LIMIT $2`

	selectHistoryBefore = selectColumns + `
		WHERE recipient_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3`

	updateRead = `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`

	countUnread = `SELECT count(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read`
)

// PostgresNotificationStore implements notify.Store.
type PostgresNotificationStore struct {
	pool pool
}

var _ notify.Store = (*PostgresNotificationStore)(nil)

// NewPostgresNotificationStore creates a store over p.
func NewPostgresNotificationStore(p pool) *PostgresNotificationStore {
	return &PostgresNotificationStore{pool: p}
}

// OpenPool connects to dsn and pings it.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").Wrap(err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, oops.Code("STORE_CONNECT_FAILED").Wrap(err)
	}
	return p, nil
}

// Create inserts n. The database assigns id and created_at.
func (s *PostgresNotificationStore) Create(ctx context.Context, n core.Notification) (core.Notification, error) {
	var relatedType *string
	var relatedID *int64
	if n.Related != nil {
		relatedType = &n.Related.Type
		relatedID = &n.Related.ID
	}

	err := s.pool.QueryRow(ctx, insertNotification,
		n.RecipientID,
		string(n.Type),
		n.Title,
		n.Message,
		n.Link,
		relatedType,
		relatedID,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return core.Notification{}, mapError(err, "STORE_APPEND_FAILED").
			With("recipient_id", n.RecipientID).
			With("notification_type", n.Type).
			Wrap(err)
	}
	n.IsRead = false
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

// History returns notifications newest first.
func (s *PostgresNotificationStore) History(ctx context.Context, recipientID string, beforeID int64, limit int) ([]core.Notification, error) {
	limit = notify.ClampLimit(limit)

	var rows pgx.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.pool.Query(ctx, selectHistoryBefore, recipientID, beforeID, limit)
	} else {
		rows, err = s.pool.Query(ctx, selectHistory, recipientID, limit)
	}
	if err != nil {
		return nil, oops.Code("STORE_QUERY_FAILED").With("recipient_id", recipientID).Wrap(err)
	}
	defer rows.Close()

	result := make([]core.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, oops.Code("STORE_QUERY_FAILED").With("recipient_id", recipientID).Wrap(err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("STORE_QUERY_FAILED").With("recipient_id", recipientID).Wrap(err)
	}
	return result, nil
}

func scanNotification(rows pgx.Rows) (core.Notification, error) {
	var (
		n           core.Notification
		typ         string
		relatedType *string
		relatedID   *int64
	)
	if err := rows.Scan(&n.ID, &n.RecipientID, &typ, &n.Title, &n.Message, &n.Link, &n.IsRead,
		&relatedType, &relatedID, &n.CreatedAt); err != nil {
		return core.Notification{}, err
	}
	n.Type = core.NotificationType(typ)
	n.CreatedAt = n.CreatedAt.UTC()
	if relatedType != nil && relatedID != nil {
		n.Related = &core.RelatedObject{Type: *relatedType, ID: *relatedID}
	}
	return n, nil
}

// MarkRead flags a notification as read. Marking an already read
// notification succeeds.
func (s *PostgresNotificationStore) MarkRead(ctx context.Context, recipientID string, id int64) error {
	tag, err := s.pool.Exec(ctx, updateRead, id, recipientID)
	if err != nil {
		return oops.Code("STORE_UPDATE_FAILED").
			With("recipient_id", recipientID).
			With("notification_id", id).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return notify.ErrNotFound
	}
	return nil
}

// UnreadCount counts unread notifications.
func (s *PostgresNotificationStore) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, countUnread, recipientID).Scan(&n); err != nil {
		return 0, oops.Code("STORE_QUERY_FAILED").With("recipient_id", recipientID).Wrap(err)
	}
	return n, nil
}

// mapError picks a code for a write error: constraint violations are the
// caller's fault, anything else is fallback.
func mapError(err error, fallback string) oops.OopsErrorBuilder {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.CheckViolation, pgerrcode.NotNullViolation, pgerrcode.StringDataRightTruncationDataException:
			return oops.Code("STORE_CONSTRAINT_VIOLATION").With("constraint", pgErr.ConstraintName)
		}
	}
	return oops.Code(fallback)
}
