package main

import (
	"context"
	"fmt"
	"log/slog"

	"txscan/internal/application"
	"txscan/internal/config"
	"txscan/internal/infrastructure/badgerstore"
	"txscan/internal/infrastructure/mysql"
	"txscan/internal/infrastructure/rediscache"
	"txscan/internal/infrastructure/sqlite"
)

// backendStore is what every storage driver provides, including the
// maintenance operations the HTTP surface never sees.
type backendStore interface {
	application.IndexStore
	ResetCheckpoint(ctx context.Context) error
}

func openBackend(cfg config.Config) (backendStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		return sqlite.NewRepository(cfg.DBPath)
	case config.StoreDriverMySQL:
		return mysql.NewRepository(cfg.DBDSN)
	case config.StoreDriverBadger:
		return badgerstore.Open(badgerstore.Options{Dir: cfg.BadgerDir})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// openIndexStore opens the configured backend behind the redis read cache. A
// cache that cannot be reached is logged and skipped.
func openIndexStore(cfg config.Config) (application.IndexStore, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	slog.Info("store opened", "driver", cfg.StoreDriver)
	if cfg.RedisAddr == "" {
		return backend, nil
	}
	cached, err := rediscache.NewCachedStore(backend, rediscache.CacheConfig{Addr: cfg.RedisAddr, TTL: cfg.CacheTTL})
	if err != nil {
		slog.Warn("redis cache disabled", "addr", cfg.RedisAddr, "err", err)
		return backend, nil
	}
	slog.Info("redis cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
	return cached, nil
}
