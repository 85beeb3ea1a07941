package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ironchef/poolkeeper/pkg/api"
	"github.com/ironchef/poolkeeper/pkg/config"
	"github.com/ironchef/poolkeeper/pkg/monitoring"
	"github.com/ironchef/poolkeeper/pkg/pool"
	"github.com/ironchef/poolkeeper/pkg/shutdown"
	"github.com/ironchef/poolkeeper/pkg/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the connection pool with monitoring and the admin server",
		RunE:  runServe,
	}
}

// service holds the running components so the wiring can be exercised
// without a process signal
type service struct {
	manager     *config.Manager
	pool        *pool.Pool
	monitor     *monitoring.Monitor
	store       *storage.MetricsStore
	tracing     *monitoring.TracingManager
	admin       *api.Server
	coordinator *shutdown.Coordinator
}

func runServe(cmd *cobra.Command, args []string) error {
	manager, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := manager.Config()

	logger, err := setupLogging(loggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("environment", string(manager.Environment())).
		Str("driver", cfg.Database.Driver).
		Msg("Starting poolkeeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := startService(ctx, manager, logger)
	if err != nil {
		return err
	}
	defer svc.coordinator.Finalize()

	svc.coordinator.HandleSignals(ctx)
	<-svc.coordinator.Done()

	report, _ := svc.coordinator.Report()
	if !report.Success() {
		return fmt.Errorf("shutdown completed with errors: %w", report.Err)
	}
	logger.Info().Dur("elapsed", report.Duration).Msg("Server shutdown complete")
	return nil
}

// startService builds every component and registers its cleanup. Cleanups
// run in reverse, so the admin server and monitor stop before the pool
// closes and tracing is flushed last.
func startService(ctx context.Context, manager *config.Manager, logger zerolog.Logger) (*service, error) {
	cfg := manager.Config()
	if err := cfg.CreateDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	svc := &service{
		manager:     manager,
		coordinator: shutdown.NewCoordinator(cfg.Shutdown.Timeout),
	}
	abort := func(err error) (*service, error) {
		svc.coordinator.Shutdown(0)
		return nil, err
	}

	tracing, err := monitoring.NewTracingManager(cfg.Tracing, string(manager.Environment()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	svc.tracing = tracing
	svc.coordinator.RegisterCleanup("tracing", tracing.Shutdown)
	register := func(name string, fn shutdown.CleanupFunc) {
		svc.coordinator.RegisterCleanup(name, tracedCleanup(tracing, name, fn))
	}

	connector, err := storage.NewConnector(cfg.Database)
	if err != nil {
		return abort(fmt.Errorf("failed to create connector: %w", err))
	}
	p, err := pool.New(cfg.Pool, connector)
	if err != nil {
		return abort(fmt.Errorf("failed to create connection pool: %w", err))
	}
	svc.pool = p
	register("connection-pool", func(ctx context.Context) error {
		return p.Shutdown(drainTimeout(ctx, manager.Config().Shutdown.PoolDrainTimeout))
	})
	if !p.Warmup(ctx) {
		logger.Warn().Msg("Connection pool started below its minimum size")
	}

	opts := []monitoring.Option{monitoring.WithTracing(tracing)}
	if cfg.Monitoring.PersistPath != "" {
		store, err := storage.OpenMetricsStore(cfg.Monitoring.PersistPath)
		if err != nil {
			return abort(fmt.Errorf("failed to open metrics store: %w", err))
		}
		svc.store = store
		opts = append(opts, monitoring.WithRecorder(store))
		register("metrics-store", func(context.Context) error {
			return store.Close()
		})
	}

	svc.monitor = monitoring.NewMonitor(p, cfg.Monitoring, opts...)
	if err := svc.monitor.Start(); err != nil {
		return abort(fmt.Errorf("failed to start monitor: %w", err))
	}
	register("pool-monitor", func(context.Context) error {
		svc.monitor.Stop()
		return nil
	})

	manager.AddWatcher(svc.applyConfig)
	if manager.Path() != "" {
		if err := manager.StartWatching(ctx); err != nil {
			logger.Warn().Err(err).Msg("Config file watching disabled")
		} else {
			register("config-watcher", func(context.Context) error {
				return manager.StopWatching()
			})
		}
	}

	if cfg.Admin.Enabled {
		deps := api.Deps{
			Pool:     p,
			Monitor:  svc.monitor,
			Config:   manager,
			Shutdown: svc.coordinator,
			Tracing:  tracing,
		}
		if svc.store != nil {
			deps.History = svc.store
		}
		svc.admin = api.NewServer(cfg.Admin, deps, logger)
		if err := svc.admin.Start(ctx); err != nil {
			return abort(fmt.Errorf("failed to start admin server: %w", err))
		}
		register("admin-server", svc.admin.Stop)
	}

	svc.coordinator.SetEmergency(func() {
		svc.monitor.Stop()
		p.Shutdown(0)
		if svc.store != nil {
			svc.store.Close()
		}
	})

	logger.Info().
		Int("min_connections", cfg.Pool.MinConnections).
		Int("max_connections", cfg.Pool.MaxConnections).
		Bool("monitoring", cfg.Monitoring.Enabled).
		Bool("admin", cfg.Admin.Enabled).
		Msg("Poolkeeper running")
	return svc, nil
}

// tracedCleanup runs a shutdown step inside a span named after it
func tracedCleanup(tm *monitoring.TracingManager, name string, fn shutdown.CleanupFunc) shutdown.CleanupFunc {
	return func(ctx context.Context) error {
		return tm.TraceOperation(ctx, "shutdown."+name, fn, attribute.String("shutdown.step", name))
	}
}

// applyConfig pushes a changed configuration into the running components
func (s *service) applyConfig(old, next *config.Config) {
	if old.Pool != next.Pool {
		if err := s.pool.Resize(next.Pool); err != nil {
			log.Error().Err(err).Msg("Failed to apply pool configuration")
		}
	}
	if old.Monitoring != next.Monitoring {
		s.monitor.UpdateConfig(next.Monitoring)
	}
	if old.Logging.Level != next.Logging.Level && logLevel == "" {
		if level, err := zerolog.ParseLevel(next.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
			log.Info().Str("level", next.Logging.Level).Msg("Log level changed")
		}
	}
}

// drainTimeout is the pool drain budget, capped by what is left of the
// shutdown deadline
func drainTimeout(ctx context.Context, configured time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return configured
	}
	left := time.Until(deadline)
	if left < 0 {
		return 0
	}
	if left < configured {
		return left
	}
	return configured
}
