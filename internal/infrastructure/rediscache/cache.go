// Package rediscache adds a Redis read-through cache in front of any index
// backend.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"txscan/internal/application"
	"txscan/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	walletCacheVersionKey = "txscan:wallets:version"
	walletCacheKeyPrefix  = "txscan:wallets:v"
	txCacheKeyPrefix      = "txscan:tx:"
	defaultCacheTTL       = time.Hour
)

type CacheConfig struct {
	Addr string
	TTL  time.Duration
}

// CachedStore caches transaction lookups by hash, which never change once
// indexed. Wallet reads are keyed by a version that every write with new rows
// bumps.
type CachedStore struct {
	application.IndexStore
	cache *redis.Client
	ttl   time.Duration
}

func NewCachedStore(base application.IndexStore, cfg CacheConfig) (*CachedStore, error) {
	if base == nil {
		return nil, errors.New("base store is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &CachedStore{IndexStore: base}, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CachedStore{IndexStore: base, cache: client, ttl: cfg.TTL}, nil
}

func (s *CachedStore) UpsertTransactions(ctx context.Context, txs []domain.IndexedTransaction) (int, error) {
	inserted, err := s.IndexStore.UpsertTransactions(ctx, txs)
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.invalidateWallets(ctx)
	}
	return inserted, nil
}

func (s *CachedStore) GetTransaction(ctx context.Context, hash string) (domain.IndexedTransaction, bool, error) {
	if s.cache == nil {
		return s.IndexStore.GetTransaction(ctx, hash)
	}
	key := txCacheKeyPrefix + strings.ToLower(hash)
	var record domain.IndexedTransaction
	if s.lookup(ctx, key, &record) {
		return record, true, nil
	}

	record, found, err := s.IndexStore.GetTransaction(ctx, hash)
	if err != nil || !found {
		return record, found, err
	}
	s.store(ctx, key, record)
	return record, true, nil
}

func (s *CachedStore) GetWalletActivity(ctx context.Context, address string) (domain.WalletActivity, bool, error) {
	if s.cache == nil {
		return s.IndexStore.GetWalletActivity(ctx, address)
	}
	version, ok := s.cacheVersion(ctx)
	if !ok {
		return s.IndexStore.GetWalletActivity(ctx, address)
	}
	key := walletCacheKey(version, "activity", address)
	var wallet domain.WalletActivity
	if s.lookup(ctx, key, &wallet) {
		return wallet, true, nil
	}

	wallet, found, err := s.IndexStore.GetWalletActivity(ctx, address)
	if err != nil || !found {
		return wallet, found, err
	}
	s.store(ctx, key, wallet)
	return wallet, true, nil
}

func (s *CachedStore) ListWalletTransactions(ctx context.Context, address string, limit int) ([]domain.IndexedTransaction, error) {
	if s.cache == nil {
		return s.IndexStore.ListWalletTransactions(ctx, address, limit)
	}
	version, ok := s.cacheVersion(ctx)
	if !ok {
		return s.IndexStore.ListWalletTransactions(ctx, address, limit)
	}
	key := walletCacheKey(version, "txs:"+strconv.Itoa(limit), address)
	var txs []domain.IndexedTransaction
	if s.lookup(ctx, key, &txs) {
		return txs, nil
	}

	txs, err := s.IndexStore.ListWalletTransactions(ctx, address, limit)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, txs)
	return txs, nil
}

func (s *CachedStore) Close() error {
	var cacheErr error
	if s.cache != nil {
		cacheErr = s.cache.Close()
	}
	return errors.Join(s.IndexStore.Close(), cacheErr)
}

func (s *CachedStore) lookup(ctx context.Context, key string, out any) bool {
	cached, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(cached), out) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, key, payload, s.ttl).Err()
}

func (s *CachedStore) cacheVersion(ctx context.Context) (string, bool) {
	version, err := s.cache.Get(ctx, walletCacheVersionKey).Result()
	if err == nil {
		return version, true
	}
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	return "", false
}

func (s *CachedStore) invalidateWallets(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Incr(ctx, walletCacheVersionKey).Err(); err != nil {
		slog.Warn("wallet cache invalidation failed; cached wallets may be stale until they expire",
			"err", err, "ttl", s.ttl)
	}
}

func walletCacheKey(version, kind, address string) string {
	var b strings.Builder
	b.Grow(96)
	b.WriteString(walletCacheKeyPrefix)
	b.WriteString(version)
	b.WriteString(":")
	b.WriteString(kind)
	b.WriteString(":")
	b.WriteString(strings.ToLower(address))
	return b.String()
}
