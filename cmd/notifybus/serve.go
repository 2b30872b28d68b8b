// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Notifybus Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/hirewire/notifybus/internal/auth"
	authpg "github.com/hirewire/notifybus/internal/auth/postgres"
	"github.com/hirewire/notifybus/internal/config"
	"github.com/hirewire/notifybus/internal/core"
	"github.com/hirewire/notifybus/internal/gateway"
	"github.com/hirewire/notifybus/internal/ingest"
	"github.com/hirewire/notifybus/internal/logging"
	"github.com/hirewire/notifybus/internal/notify"
	"github.com/hirewire/notifybus/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return newServeCmd(nil)
}

func newServeCmd(deps *ServeDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the notification gateway",
		Long: `Start the gateway: accept WebSocket and TCP clients, authenticate
them with access tokens and push notifications published on this node or,
through the broadcast backend, on any other node.

Backend services create notifications by POSTing them to the ingest API
(--ingest-addr) with a service token minted by "notifybus token <name>
--token-type service".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, deps)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runnable is a component that runs until its context is cancelled.
type runnable struct {
	name string
	run  func(ctx context.Context) error
}

type runResult struct {
	name string
	err  error
}

// runServeWithDeps starts the gateway with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.withDefaults()

	cfg, err := loadConfig(cmd, deps.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.SetDefault(logging.Options{
		Service: "notifybus",
		Version: version,
		NodeID:  cfg.NodeID,
		Format:  cfg.Logging.Format,
		Level:   cfg.Logging.Level,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if cfg.Store.AutoMigrate && cfg.Store.Backend == config.StorePostgres {
		if err := autoMigrate(deps.MigratorFactory, cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	subjects, closeSubjects, err := openSubjects(ctx, cfg, deps.PoolFactory)
	if err != nil {
		return err
	}
	defer closeSubjects()

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		Leeway:   cfg.Auth.Leeway,
		Subjects: subjects,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := core.NewRegistry(logger)
	dispatcherOpts := []core.DispatcherOption{
		core.WithDispatcherLogger(logger),
		core.WithOutboxSize(cfg.Dispatcher.OutboxSize),
	}
	if cfg.NodeID != "" {
		dispatcherOpts = append(dispatcherOpts, core.WithNodeID(cfg.NodeID))
	}

	cluster, err := deps.BroadcasterFactory(ctx, cfg.BroadcastConfig(), logger)
	if err != nil {
		return err
	}
	if cluster != nil {
		defer func() {
			if err := cluster.Close(); err != nil {
				logger.Warn("error closing broadcast backend", "error", err)
			}
		}()
		dispatcherOpts = append(dispatcherOpts, core.WithCluster(cluster))
	}

	dispatcher, err := core.NewDispatcher(registry, dispatcherOpts...)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, deps.PoolFactory)
	if err != nil {
		return err
	}
	defer closeStore()

	service, err := notify.NewService(st, dispatcher, logger)
	if err != nil {
		return err
	}

	gwOpts := cfg.GatewayOptions()
	gwOpts.Logger = logger
	gw, err := gateway.New(registry, verifier, gwOpts)
	if err != nil {
		return err
	}

	runners := []runnable{{name: "dispatcher", run: dispatcher.Run}}
	var wsServer *gateway.WebSocketServer
	if cfg.Gateway.WebSocket.Addr != "" {
		wsOpts := cfg.WebSocketOptions()
		wsOpts.Logger = logger
		if wsServer, err = gateway.NewWebSocketServer(gw, wsOpts); err != nil {
			return err
		}
		runners = append(runners, runnable{name: "websocket", run: wsServer.Run})
	}
	var tcpServer *gateway.TCPServer
	if cfg.Gateway.TCP.Addr != "" {
		tcpOpts := cfg.TCPOptions()
		tcpOpts.Logger = logger
		if tcpServer, err = gateway.NewTCPServer(gw, tcpOpts); err != nil {
			return err
		}
		runners = append(runners, runnable{name: "tcp", run: tcpServer.Run})
	}

	var ingestServer *ingest.Server
	if cfg.Ingest.Addr != "" {
		if ingestServer, err = newIngestServer(cfg, service, logger); err != nil {
			return err
		}
		runners = append(runners, runnable{name: "ingest", run: ingestServer.Run})
	}

	// Ready once every configured listener is bound.
	ready := func() bool {
		return (wsServer == nil || wsServer.Addr() != "") &&
			(tcpServer == nil || tcpServer.Addr() != "") &&
			(ingestServer == nil || ingestServer.Addr() != "")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer ObservabilityServer
	if cfg.Observability.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Observability.Addr, ready)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.Observability.Addr).Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability", logger)
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	results := make(chan runResult, len(runners))
	for _, r := range runners {
		go func() {
			results <- runResult{name: r.name, err: r.run(ctx)}
		}()
	}

	cmd.Println("notifybus started")
	logger.Info("notifybus ready",
		"node_id", dispatcher.NodeID(),
		"websocket_addr", cfg.Gateway.WebSocket.Addr,
		"tcp_addr", cfg.Gateway.TCP.Addr,
		"ingest_addr", cfg.Ingest.Addr,
		"store_backend", cfg.Store.Backend,
		"broadcast_backend", cfg.Broadcast.Backend,
	)

	var runErr error
	pending := len(runners)
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case res := <-results:
		pending--
		if res.err != nil {
			runErr = oops.Code("SERVE_FAILED").With("component", res.name).Wrap(res.err)
			errutil.LogError(logger, "component failed, shutting down", runErr)
		} else {
			logger.Warn("component stopped, shutting down", "component", res.name)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		errutil.LogWarn(logger, "gateway shutdown incomplete", err)
	}
	for ; pending > 0; pending-- {
		if res := <-results; res.err != nil {
			logger.Warn("component stopped with error", "component", res.name, "error", res.err)
		}
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

// autoMigrate applies pending migrations before serving.
func autoMigrate(factory func(string) (AutoMigrator, error), databaseURL string, logger *slog.Logger) error {
	migrator, err := factory(databaseURL)
	if err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").Wrap(err)
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("error closing migrator", "error", err)
		}
	}()

	if err := migrator.Up(); err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").Wrap(err)
	}
	logger.Info("database migrations applied")
	return nil
}

// newIngestServer builds the ingest API. Its callers present service
// tokens, which the gateway's access-token verifier refuses.
func newIngestServer(cfg *config.Config, service *notify.Service, logger *slog.Logger) (*ingest.Server, error) {
	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:    []byte(cfg.Auth.Secret),
		Issuer:    cfg.Auth.Issuer,
		Leeway:    cfg.Auth.Leeway,
		TokenType: auth.ServiceTokenType,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	opts := cfg.IngestOptions()
	opts.Logger = logger
	return ingest.NewServer(service, verifier, opts)
}

// openSubjects returns the subject checker named by the config, or nil
// when subjects are not checked. The returned func releases its resources.
func openSubjects(
	ctx context.Context,
	cfg *config.Config,
	poolFactory func(ctx context.Context, dsn string) (DBPool, error),
) (auth.SubjectChecker, func(), error) {
	if cfg.Auth.Subjects.Source != config.SubjectsPostgres {
		return nil, func() {}, nil
	}

	pool, err := poolFactory(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	repo, err := authpg.NewSubjectRepository(pool, authpg.SubjectTable{
		Table:        cfg.Auth.Subjects.Table,
		IDColumn:     cfg.Auth.Subjects.IDColumn,
		ActiveColumn: cfg.Auth.Subjects.ActiveColumn,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

// monitorServerErrors cancels ctx when a background server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
