// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

// Package postgres checks token subjects against the platform's user table.
package postgres

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
)

// querier is the subset of *pgxpool.Pool the repository needs.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SubjectTable names the table and columns that hold accounts.
type SubjectTable struct {
	Table    string
	IDColumn string
	// ActiveColumn, when set, names a boolean column that must be true.
	ActiveColumn string
}

// DefaultSubjectTable matches the account service's users table.
var DefaultSubjectTable = SubjectTable{
	Table:        "users",
	IDColumn:     "id",
	ActiveColumn: "is_active",
}

// SubjectRepository implements auth.SubjectChecker with a SELECT EXISTS.
type SubjectRepository struct {
	pool  querier
	query string
}

// NewSubjectRepository creates a repository over table. Identifiers are
// quoted, so the names come from configuration, never from clients.
func NewSubjectRepository(pool querier, table SubjectTable) (*SubjectRepository, error) {
	if table.Table == "" || table.IDColumn == "" {
		return nil, oops.Code("AUTH_CONFIG_INVALID").
			With("table", table.Table).
			With("id_column", table.IDColumn).
			Errorf("subject table and id column are required")
	}

	query := "SELECT EXISTS (SELECT 1 FROM " + pgx.Identifier{table.Table}.Sanitize() +
		" WHERE " + pgx.Identifier{table.IDColumn}.Sanitize() + " = $1"
	if table.ActiveColumn != "" {
		query += " AND " + pgx.Identifier{table.ActiveColumn}.Sanitize()
	}
	query += ")"

	return &SubjectRepository{pool: pool, query: query}, nil
}

// Exists reports whether subject names an active account. Integer subjects
// are bound as bigint so they compare against numeric primary keys.
func (r *SubjectRepository) Exists(ctx context.Context, subject string) (bool, error) {
	var arg any = subject
	if n, err := strconv.ParseInt(subject, 10, 64); err == nil {
		arg = n
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, r.query, arg).Scan(&exists); err != nil {
		return false, oops.Code("AUTH_SUBJECT_LOOKUP_FAILED").
			With("subject", subject).
			Wrap(err)
	}
	return exists, nil
}
