package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/relaynet/relay-core/internal/accounts"
	"github.com/relaynet/relay-core/internal/accounts/migrate"
	"github.com/relaynet/relay-core/internal/accounts/postgres"
	"github.com/relaynet/relay-core/internal/config"
	"github.com/relaynet/relay-core/internal/kv"
	"github.com/relaynet/relay-core/internal/logging"
	"github.com/relaynet/relay-core/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectKV(cfg.Redis)
	if err != nil {
		logger.Fatal("connect to redis", zap.Error(err))
	}
	defer client.Close()

	accountStore, err := connectAccounts(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("connect to account store", zap.Error(err))
	}

	srv := server.NewNodeServer(cfg, logger, client, accountStore)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func connectKV(cfg config.RedisConfig) (*kv.RedisClient, error) {
	if cfg.URL != "" {
		return kv.NewRedisClientFromURL(cfg.URL)
	}
	return kv.NewRedisClient(cfg.RedisAddr(), cfg.Password), nil
}

// connectAccounts wires the Postgres-backed account store when DATABASE_URL
// is set, running migrations first; otherwise it falls back to an
// in-memory store so relayd can run standalone in local development.
func connectAccounts(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (accounts.Store, error) {
	if cfg.URL == "" {
		logger.Warn("no database configured; using in-memory account store")
		return accounts.NewMemory(), nil
	}
	if err := migrate.Up(ctx, cfg.URL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	pool, err := postgres.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return postgres.NewStore(pool), nil
}
