/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tabcoin engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL) and run migrations
  4. Connect the Redis balance cache, if configured
  5. Build the services and the API handler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port (overrides config)
  -db      Database DSN (overrides config; SQLite path or postgres URL)
           Use ":memory:" for in-memory SQLite

ENVIRONMENT:
  DATABASE_DRIVER, DATABASE_URL, REDIS_ADDR, LOG_LEVEL, ENVIRONMENT, PORT
  Flags win over environment, environment wins over the file.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close Redis and database connections
  4. Exit

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/tabcoin-engine/activity"
	"github.com/warp/tabcoin-engine/api"
	"github.com/warp/tabcoin-engine/cache"
	"github.com/warp/tabcoin-engine/config"
	"github.com/warp/tabcoin-engine/firewall"
	"github.com/warp/tabcoin-engine/ledger"
	"github.com/warp/tabcoin-engine/logger"
	"github.com/warp/tabcoin-engine/metrics"
	"github.com/warp/tabcoin-engine/reward"
	"github.com/warp/tabcoin-engine/store/postgres"
	"github.com/warp/tabcoin-engine/store/sqlite"
	"github.com/warp/tabcoin-engine/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port")
	dsn := flag.String("db", "", "Database DSN")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	log, err := logger.New(cfg.Log.Environment, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	store.OnBalanceChange(func(_ context.Context, bt ledger.BalanceType, _ string) {
		m.ObserveEntry(string(bt))
	})

	// Balance cache
	var client cache.Client
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unavailable, balances will be read from the store", zap.Error(err))
		}
		cancel()
		client = rdb
	}
	balances := cache.NewBalances(client, store, log, cache.WithTTL(cfg.Redis.TTL), cache.WithMetrics(m))
	store.OnBalanceChange(balances.Invalidate)

	// Services
	guard := firewall.NewGuard(store, cfg.FirewallRules(), log, firewall.WithGuardMetrics(m))
	handler := api.NewHandler(store, log)
	handler.Metrics = m
	handler.Balances = balances
	handler.Reviewer = firewall.NewReviewer(store, log, firewall.WithReviewerMetrics(m))
	handler.Rewards = reward.NewEngine(store, cfg.Rewards(), log, reward.WithMetrics(m))
	handler.Activity = activity.NewService(store, guard, log, activity.WithPrestige(cfg.PublishPrestige()))

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("database", cfg.Database.Driver),
			zap.Bool("cache", client != nil))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*sqlstore.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.DSN, log)
	default:
		return sqlite.New(cfg.DSN)
	}
}
