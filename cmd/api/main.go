package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/api"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/collector"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/config"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/logging"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/notifier"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/poller"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage/memory"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage/postgres"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser, err := logging.SetupLogger(cfg.Log.File, cfg.Log.Level, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate storage: %w", err)
	}

	registry := collector.NewRegistry(collector.NewClientFactory(clientConfig(cfg, logger)))

	recent := notifier.NewRecentSink(notifier.DefaultRecentSize)
	dispatcher := notifier.NewDispatcher(logger, notifier.NewLogSink(logger), recent)

	svc := poller.New(poller.Deps{
		Accounts:             store,
		Preferences:          preferences.NewStore(store),
		Registry:             registry,
		Differencer:          notifier.NewDifferencer(),
		Dispatcher:           dispatcher,
		Recent:               recent,
		Logger:               logger,
		ActivePipelineMaxAge: cfg.Poller.ActivePipelineMaxAge,
	})

	router := api.SetupRoutes(api.NewHandler(svc), logger)
	addr := net.JoinHostPort(cfg.APIHost, cfg.APIPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting API server", "addr", addr, "storage", cfg.StorageType)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(gctx)
	})

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, reloader(svc, registry, logger))
		})
	}

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("API server stopped")
	return nil
}

// reloader applies the hot-reloadable settings of a changed config file.
// Storage, listener and log settings apply on restart only.
func reloader(svc *poller.Service, registry *collector.Registry, logger *slog.Logger) func(*config.Config) {
	return func(next *config.Config) {
		svc.SetActivePipelineMaxAge(next.Poller.ActivePipelineMaxAge)
		registry.Reset(collector.NewClientFactory(clientConfig(next, logger)))
		logger.Info("configuration reloaded, restarting poll loop",
			"active_pipeline_max_age", svc.ActivePipelineMaxAge(),
			"requests_per_second", next.GitLab.RequestsPerSecond,
		)
		svc.Restart()
	}
}

func clientConfig(cfg *config.Config, logger *slog.Logger) collector.ClientConfig {
	return collector.ClientConfig{
		Timeout:           cfg.GitLab.RequestTimeout,
		RequestsPerSecond: cfg.GitLab.RequestsPerSecond,
		Burst:             cfg.GitLab.Burst,
		DefaultRetryWait:  cfg.GitLab.RateLimitDefaultWait,
		MaxRetryWait:      cfg.GitLab.RateLimitMaxWait,
		Logger:            logger,
	}
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageType {
	case "postgres":
		store, err := postgres.NewPostgresStorage(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL storage: %w", err)
		}
		return store, nil
	case "memory":
		return memory.NewMemoryStorage(), nil
	default:
		store, err := sqlite.NewSQLiteStorage(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
		}
		return store, nil
	}
}
