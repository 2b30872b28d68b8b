// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package store

import (
	"cmp"
	"embed"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	// pgx/v5 driver for golang-migrate, registered as pgx5://.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

// The notification schema, one NNNNNN_name.{up,down}.sql pair per step:
//
//	000001_create_notifications       notifications table, recipient history index
//	000002_notifications_unread_index partial index behind UnreadCount
//
// Rolling back past 000001 drops the table and every stored notification.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// schemaStep is one embedded migration.
type schemaStep struct {
	version uint
	name    string // "000001_create_notifications"
}

// schemaSteps parses the embedded directory once, ordered by version.
var schemaSteps = sync.OnceValues(func() ([]schemaStep, error) {
	entries, err := migrationsFS.ReadDir(migrationsDir)
	if err != nil {
		return nil, oops.Code("MIGRATION_LIST_FAILED").Wrap(err)
	}

	var steps []schemaStep
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".up.sql")
		if !ok {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			return nil, oops.Code("MIGRATION_LIST_FAILED").
				With("filename", entry.Name()).
				Errorf("migration file does not start with a version: %v", err)
		}
		steps = append(steps, schemaStep{version: uint(version), name: name})
	}
	slices.SortFunc(steps, func(a, b schemaStep) int {
		return cmp.Compare(a.version, b.version)
	})
	return steps, nil
})

// migrateIface is the part of *migrate.Migrate the Migrator drives.
type migrateIface interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

// Migrator moves a database between versions of the notification schema.
type Migrator struct {
	m migrateIface
}

// NewMigrator opens databaseURL for migrations. postgres:// and
// postgresql:// URLs are rewritten to the pgx5:// scheme.
func NewMigrator(databaseURL string) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").Wrap(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		_ = source.Close() //nolint:errcheck // init error wins
		return nil, oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	return &Migrator{m: m}, nil
}

func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(databaseURL, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return databaseURL
}

// Up brings the schema to the newest embedded version.
func (m *Migrator) Up() error {
	return settle(m.m.Up(), oops.Code("MIGRATION_UP_FAILED"))
}

// Down rolls every step back, dropping the notifications table.
func (m *Migrator) Down() error {
	return settle(m.m.Down(), oops.Code("MIGRATION_DOWN_FAILED"))
}

// Steps moves n steps up (n > 0) or down (n < 0).
func (m *Migrator) Steps(n int) error {
	return settle(m.m.Steps(n), oops.Code("MIGRATION_STEPS_FAILED").With("steps", n))
}

// settle treats migrate.ErrNoChange as success.
func settle(err error, failed oops.OopsErrorBuilder) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return failed.Wrap(err)
}

// Version reports the applied schema version and whether a step failed
// halfway. A database without the notifications schema is version 0.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}
	return version, dirty, nil
}

// Force marks version as applied without running it, to clear a dirty
// schema once it has been repaired by hand.
func (m *Migrator) Force(version int) error {
	if version < 0 {
		return oops.Code("INVALID_VERSION").Errorf("version must be non-negative, got %d", version)
	}
	if err := m.m.Force(version); err != nil {
		return oops.Code("MIGRATION_FORCE_FAILED").With("version", version).Wrap(err)
	}
	return nil
}

// Close releases the embedded source and the database connection.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr == nil && dbErr == nil {
		return nil
	}

	failed := oops.Code("MIGRATION_CLOSE_FAILED")
	switch {
	case dbErr == nil:
		return failed.With("component", "source").Wrap(srcErr)
	case srcErr == nil:
		return failed.With("component", "database").Wrap(dbErr)
	}
	return failed.With("component", "both").Errorf("source: %v; database: %v", srcErr, dbErr)
}

// PendingMigrations lists the versions Up would apply, ascending.
func (m *Migrator) PendingMigrations() ([]uint, error) {
	current, _, err := m.Version()
	if err != nil {
		return nil, err
	}
	all, err := migrationVersions()
	if err != nil {
		return nil, err
	}

	i, _ := slices.BinarySearch(all, current+1)
	if i == len(all) {
		return nil, nil
	}
	return all[i:], nil
}

// MigrationName returns "NNNNNN_name" for version, or "" when no embedded
// migration has that version.
func MigrationName(version uint) (string, error) {
	steps, err := schemaSteps()
	if err != nil {
		return "", err
	}
	for _, s := range steps {
		if s.version == version {
			return s.name, nil
		}
	}
	return "", nil
}

// migrationVersions returns the embedded versions, ascending. The slice is
// the caller's.
func migrationVersions() ([]uint, error) {
	steps, err := schemaSteps()
	if err != nil {
		return nil, err
	}
	out := make([]uint, len(steps))
	for i, s := range steps {
		out[i] = s.version
	}
	return out, nil
}
