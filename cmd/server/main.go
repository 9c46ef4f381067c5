/*
main.go - Application entry point

PURPOSE:

	Initializes and starts the ISO pricing server.
	Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
 1. Load configuration (.env, environment, then flags)
 2. Initialize the store (SQLite or PostgreSQL)
 3. Initialize the settings cache and run locks (Redis or in-process)
 4. Initialize the notification dispatcher
 5. Create API handler, router and job scheduler
 6. Start server with graceful shutdown

COMMAND-LINE FLAGS:

	-port    HTTP server port (overrides PORT)
	-db      SQLite database path (overrides DB_PATH)
	         Use ":memory:" for in-memory database
	-driver  sqlite or postgres (overrides DB_DRIVER)

GRACEFUL SHUTDOWN:

	On SIGINT/SIGTERM:
	1. Stop the scheduler (waits for an in-flight run)
	2. Stop accepting new connections
	3. Wait for active requests to complete (30s timeout)
	4. Close notification publisher and database connection
	5. Exit

EXAMPLES:

	# Run with file database
	./server -db="./data/pricing.db"

	# Run against PostgreSQL with a shared Redis
	DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDRESS=localhost:6379 ./server

	# Run on different port
	./server -port=3000

ENVIRONMENT:

	See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - api/scheduler.go: Periodic jobs
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/iso-pricing/api"
	"github.com/warp/iso-pricing/cache"
	"github.com/warp/iso-pricing/config"
	"github.com/warp/iso-pricing/notify"
	"github.com/warp/iso-pricing/pricing"
	"github.com/warp/iso-pricing/store/postgres"
	"github.com/warp/iso-pricing/store/sqlite"
)

const webhookTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "Database driver (sqlite or postgres)")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	log.WithField("driver", cfg.DBDriver).Info("store ready")

	// Settings cache and run locks
	var (
		backend cache.Backend = cache.NewMemoryBackend()
		lock    cache.RunLock = cache.NewLocalRunLock()
	)
	if cfg.RedisAddress != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisAddress)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		backend = cache.NewRedisBackend(client, "iso-pricing:")
		lock = cache.NewRedisRunLock(client, "iso-pricing:lock:")
		log.WithField("address", cfg.RedisAddress).Info("redis cache and locks enabled")
	}
	settings := cache.NewSettings(backend, store, cfg.MarginSplit, cfg.SettingsCacheTTL, log)

	// Notification dispatcher
	dispatcher, closer, err := newDispatcher(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize notifications: %w", err)
	}
	defer closer.Close()

	// Initialize handler
	handler := api.NewHandler(store, api.Options{
		MaxDepth:      cfg.MaxHierarchyDepth,
		RenewalMonths: cfg.RenewalMonths,
		Concurrency:   cfg.BatchConcurrency,
		Dispatcher:    dispatcher,
		Settings:      settings,
		Jobs:          api.NewJobRunner(store, lock, log),
		Log:           log,
	})

	var verifier *api.JWTVerifier
	if cfg.JWTSecret != "" {
		verifier = api.NewJWTVerifier(cfg.JWTSecret)
	} else {
		log.Warn("JWT_SECRET not set, every request is treated as an admin")
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{Verifier: verifier, Log: log})

	// Start scheduler
	scheduler := api.NewJobScheduler(handler.Jobs, handler.Lifecycle, handler.Settlements, cfg.SchedulerInterval, log)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case err := <-serverErr:
		return err
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// storeBackend is what the server needs from either database.
type storeBackend interface {
	api.Backend
	Close() error
}

func openStore(cfg config.Config) (storeBackend, error) {
	if cfg.DBDriver == "postgres" {
		s, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newDispatcher(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (pricing.Dispatcher, io.Closer, error) {
	switch cfg.NotifyDriver {
	case "webhook":
		return notify.NewWebhook(cfg.NotifyWebhookURL, webhookTimeout), nopCloser{}, nil
	case "pubsub":
		p, err := notify.NewPubSub(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return notify.Log{Logger: log}, nopCloser{}, nil
	}
}
