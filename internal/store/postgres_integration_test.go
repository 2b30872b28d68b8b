// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/notify"
	"github.com/hirewire/notifybus/internal/store"
)

var _ = Describe("PostgresNotificationStore", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		pool      *pgxpool.Pool
		s         *store.PostgresNotificationStore
	)

	BeforeAll(func() {
		ctx = context.Background()

		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("notifybus_test"),
			postgres.WithUsername("notifybus"),
			postgres.WithPassword("notifybus"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		Expect(err).NotTo(HaveOccurred())

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(dsn)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())

		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))
		Expect(dirty).To(BeFalse())

		Expect(migrator.Steps(-1)).To(Succeed())
		Expect(migrator.Steps(1)).To(Succeed())
		Expect(migrator.Close()).To(Succeed())

		pool, err = store.OpenPool(ctx, dsn)
		Expect(err).NotTo(HaveOccurred())
		s = store.NewPostgresNotificationStore(pool)
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	create := func(recipient, title string) core.Notification {
		n, err := s.Create(ctx, core.Notification{
			RecipientID: recipient,
			Type:        core.NotificationStatusChanged,
			Title:       title,
			Link:        "/applications/1",
		})
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	It("assigns ids and timestamps", func() {
		n := create("alice", "Status changed")
		Expect(n.ID).To(BeNumerically(">", 0))
		Expect(n.CreatedAt).To(BeTemporally("~", time.Now(), time.Minute))
	})

	It("pages history newest first", func() {
		var ids []int64
		for range 5 {
			ids = append(ids, create("bob", "Update").ID)
		}
		create("carol", "Not bob's")

		page, err := s.History(ctx, "bob", 0, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(page).To(HaveLen(2))
		Expect(page[0].ID).To(Equal(ids[4]))
		Expect(page[1].ID).To(Equal(ids[3]))

		rest, err := s.History(ctx, "bob", page[1].ID, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(rest).To(HaveLen(3))
		Expect(rest[2].ID).To(Equal(ids[0]))
	})

	It("round trips related objects", func() {
		n, err := s.Create(ctx, core.Notification{
			RecipientID: "dave",
			Type:        core.NotificationJobApplied,
			Title:       "New applicant",
			Related:     &core.RelatedObject{Type: "job", ID: 3},
		})
		Expect(err).NotTo(HaveOccurred())

		page, err := s.History(ctx, "dave", 0, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(page).To(HaveLen(1))
		Expect(page[0].ID).To(Equal(n.ID))
		Expect(page[0].Related).To(Equal(&core.RelatedObject{Type: "job", ID: 3}))
	})

	It("marks read only for the owner", func() {
		n := create("erin", "Interview")

		count, err := s.UnreadCount(ctx, "erin")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))

		Expect(s.MarkRead(ctx, "mallory", n.ID)).To(MatchError(notify.ErrNotFound))
		Expect(s.MarkRead(ctx, "erin", n.ID)).To(Succeed())

		count, err = s.UnreadCount(ctx, "erin")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(BeZero())
	})

	It("rejects blank titles", func() {
		_, err := s.Create(ctx, core.Notification{
			RecipientID: "frank",
			Type:        core.NotificationSystem,
			Title:       "   ",
		})
		Expect(err).To(HaveOccurred())
	})
})
