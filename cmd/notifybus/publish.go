// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package main

import (
	"context"
	"sync"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/hirewire/notifybus/internal/broadcast"
	"github.com/hirewire/notifybus/internal/config"
	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/logging"
	"github.com/hirewire/notifybus/internal/notify"
	"github.com/hirewire/notifybus/internal/store"
)

// NewPublishCmd creates the publish subcommand.
func NewPublishCmd() *cobra.Command {
	return newPublishCmd(nil)
}

type publishFlags struct {
	recipient   string
	kind        string
	title       string
	message     string
	link        string
	relatedType string
	relatedID   int64
}

func newPublishCmd(deps *CommonDeps) *cobra.Command {
	var f publishFlags

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Store a notification and push it to the recipient",
		Long: `Store a notification and publish it on the broadcast backend, so every
notifybus node pushes it to the recipient's live connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublishWithDeps(cmd.Context(), cmd, f, deps)
		},
	}

	cmd.Flags().StringVar(&f.recipient, "recipient", "", "recipient user id (required)")
	cmd.Flags().StringVar(&f.kind, "type", string(core.NotificationSystem), "notification type")
	cmd.Flags().StringVar(&f.title, "title", "", "notification title (required)")
	cmd.Flags().StringVar(&f.message, "message", "", "notification body")
	cmd.Flags().StringVar(&f.link, "link", "", "in-app link")
	cmd.Flags().StringVar(&f.relatedType, "related-type", "", "related object type")
	cmd.Flags().Int64Var(&f.relatedID, "related-id", 0, "related object id")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("title")

	d := config.Default()
	cmd.Flags().String("store-backend", d.Store.Backend, "notification store (memory or postgres)")
	cmd.Flags().String("broadcast-backend", d.Broadcast.Backend, "cluster backend (redis, postgres, nats)")
	cmd.Flags().String("broadcast-channel", d.Broadcast.Channel, "cluster channel or subject")
	cmd.Flags().String("redis-addr", d.Broadcast.RedisAddr, "redis address for the redis backend")
	cmd.Flags().String("nats-url", d.Broadcast.NATSURL, "NATS url for the nats backend")

	return cmd
}

func (f publishFlags) notification() core.Notification {
	n := core.Notification{
		RecipientID: f.recipient,
		Type:        core.NotificationType(f.kind),
		Title:       f.title,
		Message:     f.message,
		Link:        f.link,
	}
	if f.relatedType != "" {
		n.Related = &core.RelatedObject{Type: f.relatedType, ID: f.relatedID}
	}
	return n
}

func runPublishWithDeps(ctx context.Context, cmd *cobra.Command, f publishFlags, deps *CommonDeps) error {
	if deps == nil {
		deps = &CommonDeps{}
	}
	deps.withDefaults()

	cfg, err := loadConfig(cmd, deps.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStore(); err != nil {
		return err
	}
	if err := cfg.ValidateBroadcast(); err != nil {
		return err
	}
	switch cfg.Broadcast.Backend {
	case broadcast.BackendNone, broadcast.BackendMemory:
		return oops.Code("CONFIG_INVALID").
			With("field", "broadcast.backend").
			With("value", cfg.Broadcast.Backend).
			Errorf("publish needs a shared broadcast backend (redis, postgres or nats)")
	}

	logger, err := logging.Setup(logging.Options{
		Service: "notifybus",
		Version: version,
		Format:  "text",
		Level:   cfg.Logging.Level,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, deps.PoolFactory)
	if err != nil {
		return err
	}
	defer closeStore()

	cluster, err := deps.BroadcasterFactory(ctx, cfg.BroadcastConfig(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cluster.Close(); err != nil {
			logger.Warn("error closing broadcast backend", "error", err)
		}
	}()

	publisher := newClusterPublisher(cluster)
	service, err := notify.NewService(st, publisher, logger)
	if err != nil {
		return err
	}

	created, err := service.Notify(ctx, f.notification())
	if err != nil {
		return err
	}
	if err := publisher.Err(); err != nil {
		return oops.Code("PUBLISH_FAILED").
			With("notification_id", created.ID).
			With("recipient_id", created.RecipientID).
			Wrap(err)
	}

	cmd.Printf("Notification %d sent to %s\n", created.ID, created.Topic())
	return nil
}

// openStore returns the notification store named by the config. The
// returned func releases its resources.
func openStore(
	ctx context.Context,
	cfg *config.Config,
	poolFactory func(ctx context.Context, dsn string) (DBPool, error),
) (notify.Store, func(), error) {
	if cfg.Store.Backend != config.StorePostgres {
		return notify.NewMemoryStore(), func() {}, nil
	}
	pool, err := poolFactory(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresNotificationStore(pool), pool.Close, nil
}

// clusterPublisher publishes straight to the broadcast backend. It has no
// local members, so every serving node, this process excluded, delivers.
type clusterPublisher struct {
	cluster core.Broadcaster
	origin  string

	mu  sync.Mutex
	err error
}

func newClusterPublisher(cluster core.Broadcaster) *clusterPublisher {
	return &clusterPublisher{cluster: cluster, origin: "cli-" + core.NewULID().String()}
}

func (p *clusterPublisher) Publish(ctx context.Context, topic string, env core.Envelope) error {
	if err := core.ValidateTopic(topic); err != nil {
		return err
	}
	err := p.cluster.Publish(ctx, core.ClusterMessage{Origin: p.origin, Topic: topic, Envelope: env})
	if err != nil {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}
	return err
}

// Err returns the last publish error.
func (p *clusterPublisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
