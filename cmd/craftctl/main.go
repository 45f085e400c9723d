// Package main is the entry point of the craftctl panel. One binary
// supervises the game server and serves the console websocket and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/craftctl/craftctl/internal/api"
	"github.com/craftctl/craftctl/internal/audit"
	"github.com/craftctl/craftctl/internal/auth"
	"github.com/craftctl/craftctl/internal/backup"
	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/common/tracing"
	"github.com/craftctl/craftctl/internal/console"
	"github.com/craftctl/craftctl/internal/db"
	"github.com/craftctl/craftctl/internal/events/bus"
	"github.com/craftctl/craftctl/internal/rcon"
	"github.com/craftctl/craftctl/internal/server/logsink"
	"github.com/craftctl/craftctl/internal/server/process"
	"github.com/craftctl/craftctl/internal/whitelist"
)

const (
	serverStopTimeout = 30 * time.Second
	httpStopTimeout   = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "craftctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting craftctl...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Database for the audit log and the backup index
	conn, closeDB, err := db.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := closeDB(); err != nil {
			log.Error("database close error", zap.Error(err))
		}
	}()

	auditStore, err := audit.NewStore(conn)
	if err != nil {
		return err
	}
	backupIndex, err := backup.NewIndex(conn)
	if err != nil {
		return err
	}

	// 4. Event bus (NATS if configured, in-memory otherwise)
	eventBus, err := provideEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	auditSubs, err := auditStore.Subscribe(eventBus, log)
	if err != nil {
		return fmt.Errorf("failed to subscribe audit log: %w", err)
	}
	defer func() {
		for _, sub := range auditSubs {
			_ = sub.Unsubscribe()
		}
	}()

	// 5. Server supervisor and persisted output
	sink, err := logsink.New(cfg.Logs.Dir)
	if err != nil {
		return fmt.Errorf("failed to open server log: %w", err)
	}
	defer func() { _ = sink.Close() }()

	supervisor := process.NewSupervisor(cfg.Minecraft, sink, log)

	mirrorCtx, cancelMirror := context.WithCancel(context.Background())
	defer cancelMirror()
	process.MirrorStatus(mirrorCtx, supervisor, eventBus, log)

	// 6. Operator-facing components
	authn := auth.NewTokenAuthenticator(cfg.Auth)
	if len(cfg.Auth.Tokens) == 0 {
		log.Warn("no auth tokens configured, every API and console request will be rejected")
	}

	consoleHandler := console.NewHandler(supervisor, authn, auditStore, cfg.Console, log)

	rconBridge := rcon.NewBridge(cfg.RCON, log)
	defer func() { _ = rconBridge.Close() }()

	whitelistMgr := whitelist.NewManager(rconBridge, cfg.Minecraft.DataDir, log)

	coordinator := backup.NewCoordinator(cfg.Backup, cfg.Minecraft, supervisor, log,
		backup.WithIndex(backupIndex),
		backup.WithEventBus(eventBus),
	)
	scheduler := backup.NewScheduler(coordinator, cfg.Backup, log)

	apiServer := api.NewServer(api.Services{
		Server:    supervisor,
		Backups:   coordinator,
		Whitelist: whitelistMgr,
		Audit:     auditStore,
		Console:   consoleHandler.Serve,
		Auth:      authn,
	}, log)

	// 7. HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down craftctl...")

		// Hijacked websocket connections are not closed by server.Shutdown.
		consoleHandler.CloseAll()

		// No new power requests once the listener is closed; a restart still
		// in flight is cancelled before the game server is stopped for good.
		httpCtx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancel()
		if err := server.Shutdown(httpCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		apiServer.Close()

		stopCtx, cancelStop := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancelStop()
		if err := supervisor.Shutdown(stopCtx); err != nil {
			log.Error("game server shutdown error", zap.Error(err))
		}

		traceCtx, cancelTrace := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancelTrace()
		if err := tracing.Shutdown(traceCtx); err != nil {
			log.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("craftctl stopped")
	return err
}

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("Using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS event bus")
	return natsBus, nil
}
