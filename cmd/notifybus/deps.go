// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hirewire/notifybus/internal/broadcast"
	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/observability"
	"github.com/hirewire/notifybus/internal/store"
)

// CommonDeps holds dependencies shared by every command.
// All fields with nil values use their default implementations.
type CommonDeps struct {
	// Getenv reads secrets.
	// Default: os.Getenv
	Getenv func(string) string

	// PoolFactory opens a database pool.
	// Default: store.OpenPool
	PoolFactory func(ctx context.Context, dsn string) (DBPool, error)

	// BroadcasterFactory connects the cluster backend.
	// Default: broadcast.New
	BroadcasterFactory func(ctx context.Context, cfg broadcast.Config, logger *slog.Logger) (core.Broadcaster, error)
}

// ServeDeps contains injectable dependencies for the serve command.
type ServeDeps struct {
	CommonDeps

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// MigratorFactory opens a migrator for auto-migration.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (AutoMigrator, error)
}

// MigrateDeps contains injectable dependencies for the migrate command.
type MigrateDeps struct {
	Getenv func(string) string

	// MigratorFactory opens a migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)
}

// DBPool wraps the *pgxpool.Pool methods the commands use.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// AutoMigrator wraps the methods serve uses from store.Migrator.
type AutoMigrator interface {
	Up() error
	Close() error
}

// Migrator wraps the methods the migrate command uses from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	Close() error
}

func (d *CommonDeps) withDefaults() {
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.PoolFactory == nil {
		d.PoolFactory = func(ctx context.Context, dsn string) (DBPool, error) {
			return store.OpenPool(ctx, dsn)
		}
	}
	if d.BroadcasterFactory == nil {
		d.BroadcasterFactory = broadcast.New
	}
}

func (d *ServeDeps) withDefaults() {
	d.CommonDeps.withDefaults()
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(databaseURL string) (AutoMigrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
}

func (d *MigrateDeps) withDefaults() {
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
}
