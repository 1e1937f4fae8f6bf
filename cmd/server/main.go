/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the profit engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, ENGINE_* environment, flags)
  2. Open the store (memory, SQLite or PostgreSQL)
  3. Choose the event publisher (Kafka when brokers are configured)
  4. Wire referral calculator -> ledger hook -> engine -> catalogue
  5. Seed the default plans (absent-only)
  6. Start the background sweep and the HTTP server

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -store           memory | sqlite | postgres (default: sqlite)
  -db              SQLite database path (default: profit-engine.db)
                   Use ":memory:" for in-memory database
  -dsn             PostgreSQL connection string
  -seed-plans      seed the default plan catalogue (default: true)
  -sweep-interval  background sweep interval (default: 1m)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete
  4. Flush the event publisher and close the store

EXAMPLES:
  ENGINE_JWT_SECRET=dev ./server -db="./data/engine.db"
  ENGINE_JWT_SECRET=dev ./server -store=memory -port=3000
  ENGINE_JWT_SECRET=dev ENGINE_KAFKA_BROKERS=localhost:9092 \
    ./server -store=postgres -dsn="postgres://engine@localhost/engine"

SEE ALSO:
  - config/config.go: every setting and its environment variable
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alarab/profit-engine/account"
	"github.com/alarab/profit-engine/api"
	"github.com/alarab/profit-engine/catalog"
	"github.com/alarab/profit-engine/config"
	"github.com/alarab/profit-engine/events"
	"github.com/alarab/profit-engine/generic"
	"github.com/alarab/profit-engine/generic/store"
	"github.com/alarab/profit-engine/investment"
	"github.com/alarab/profit-engine/referral"
	"github.com/alarab/profit-engine/store/postgres"
	"github.com/alarab/profit-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := config.NewLogger(cfg.Log, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Server.JWTSecret == "" {
		return errors.New("ENGINE_JWT_SECRET is required")
	}
	ctx := context.Background()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", "driver", cfg.Store.Driver)

	// Initialize publisher
	var publisher events.Publisher = events.Noop{}
	if cfg.Kafka.Enabled() {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		publisher = kp
		logger.Info("publishing events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	defer publisher.Close()

	retry := generic.RetryPolicy{MaxAttempts: cfg.Store.RetryAttempts, Timeout: cfg.Store.Timeout}
	clock := generic.SystemClock{}

	// Domain components
	refCfg := referral.DefaultConfig()
	refCfg.BaseBonus = cfg.Referral.BaseBonus
	refCfg.ReferredBonus = cfg.Referral.ReferredBonus
	refCfg.EveryDeposit = cfg.Referral.EveryDeposit
	referrals, err := referral.NewCalculator(st,
		referral.WithConfig(refCfg),
		referral.WithClock(clock),
		referral.WithRetryPolicy(retry),
		referral.WithPublisher(publisher),
		referral.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ledger := account.NewLedger(st,
		account.WithClock(clock),
		account.WithRetryPolicy(retry),
		account.WithPublisher(publisher),
		account.WithLogger(logger),
		account.WithDepositHook(referrals),
	)

	plans := catalog.NewStoreCatalog(st,
		catalog.WithClock(clock),
		catalog.WithPublisher(publisher),
		catalog.WithLogger(logger),
	)
	if cfg.SeedPlans {
		if _, err := plans.Seed(ctx, catalog.DefaultPlans()); err != nil {
			return fmt.Errorf("seed plans: %w", err)
		}
	}

	engine := investment.NewEngine(st,
		investment.WithClock(clock),
		investment.WithRetryPolicy(retry),
		investment.WithPublisher(publisher),
		investment.WithLogger(logger),
		investment.WithPlanCatalog(plans),
	)

	sweepOpts := investment.SweepOptions{
		Partition:   cfg.Sweep.Partition,
		Partitions:  cfg.Sweep.Partitions,
		Concurrency: cfg.Sweep.Concurrency,
	}

	// HTTP
	handler := api.NewHandler(ledger, engine, referrals, plans)
	handler.SweepOptions = sweepOpts
	handler.Logger = logger.With("component", "api")
	if p, ok := st.(api.Pinger); ok {
		handler.Pinger = p
	}
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.Server.JWTSecret), cfg.Server.AllowedOrigins)

	scheduler := api.NewSweepScheduler(engine, logger)
	scheduler.Interval = cfg.Sweep.Interval
	scheduler.Timeout = cfg.Sweep.Timeout
	scheduler.Options = sweepOpts
	scheduler.Enabled = cfg.Sweep.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		return err
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (generic.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), func() {}, nil
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, nil, err
		}
		return pg, closer(pg), nil
	default:
		db, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, closer(db), nil
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
}
