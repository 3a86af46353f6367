// Package badgerstore is an embedded key/value backend for the transaction
// index, for deployments that do not want a SQL engine.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"txscan/internal/application"
	"txscan/internal/domain"

	"github.com/dgraph-io/badger/v4"
)

const (
	txPrefix       = "tx/"
	walletPrefix   = "wallet/"
	walletTxPrefix = "wtx/"
	checkpointKey  = "state/checkpoint"

	defaultListLimit = 50
	maxListLimit     = 1000
)

var _ application.IndexStore = (*Store)(nil)

type Options struct {
	Dir string
	// InMemory keeps everything in RAM; Dir is ignored.
	InMemory bool
}

type Store struct {
	db *badger.DB
}

func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger directory is required")
	}
	badgerOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) UpsertTransactions(ctx context.Context, txs []domain.IndexedTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, &domain.StoreError{Op: "upsert transactions", Err: err}
	}

	inserted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		inserted = 0
		wallets := make(map[string]*domain.WalletActivity)
		seen := make(map[string]struct{}, len(txs))
		for _, record := range txs {
			key := []byte(txPrefix + record.Hash)
			if _, dup := seen[record.Hash]; dup {
				continue
			}
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			seen[record.Hash] = struct{}{}

			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := txn.Set(key, payload); err != nil {
				return err
			}
			inserted++

			for _, address := range record.Participants() {
				if err := txn.Set(walletTxKey(address, record), nil); err != nil {
					return err
				}
				wallet, ok := wallets[address]
				if !ok {
					loaded, err := loadWallet(txn, address)
					if err != nil {
						return err
					}
					wallet = &loaded
					wallets[address] = wallet
				}
				wallet.Apply(record)
			}
		}
		for address, wallet := range wallets {
			payload, err := json.Marshal(wallet)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(walletPrefix+address), payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &domain.StoreError{Op: "upsert transactions", Err: err}
	}
	return inserted, nil
}

func loadWallet(txn *badger.Txn, address string) (domain.WalletActivity, error) {
	wallet := domain.NewWalletActivity(address)
	found, err := getJSON(txn, walletPrefix+address, &wallet)
	if err != nil {
		return domain.WalletActivity{}, err
	}
	if !found {
		return domain.NewWalletActivity(address), nil
	}
	return wallet, nil
}

func (s *Store) GetTransaction(ctx context.Context, hash string) (domain.IndexedTransaction, bool, error) {
	var record domain.IndexedTransaction
	found, err := s.view(ctx, txPrefix+strings.ToLower(hash), &record)
	if err != nil {
		return domain.IndexedTransaction{}, false, &domain.StoreError{Op: "get transaction", Err: err}
	}
	return record, found, nil
}

func (s *Store) GetWalletActivity(ctx context.Context, address string) (domain.WalletActivity, bool, error) {
	var wallet domain.WalletActivity
	found, err := s.view(ctx, walletPrefix+strings.ToLower(address), &wallet)
	if err != nil {
		return domain.WalletActivity{}, false, &domain.StoreError{Op: "get wallet", Err: err}
	}
	return wallet, found, nil
}

// ListWalletTransactions walks the per-address index newest first.
func (s *Store) ListWalletTransactions(ctx context.Context, address string, limit int) ([]domain.IndexedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.StoreError{Op: "list wallet transactions", Err: err}
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	prefix := []byte(walletTxPrefix + strings.ToLower(address) + "/")
	var out []domain.IndexedTransaction
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			key := string(it.Item().Key())
			hash := key[strings.LastIndex(key, "/")+1:]
			var record domain.IndexedTransaction
			found, err := getJSON(txn, txPrefix+hash, &record)
			if err != nil {
				return err
			}
			if found {
				out = append(out, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &domain.StoreError{Op: "list wallet transactions", Err: err}
	}
	return out, nil
}

func (s *Store) GetCheckpoint(ctx context.Context) (domain.ScannerCheckpoint, error) {
	checkpoint := domain.ScannerCheckpoint{Status: domain.ScannerStatusStopped}
	if _, err := s.view(ctx, checkpointKey, &checkpoint); err != nil {
		return domain.ScannerCheckpoint{}, &domain.StoreError{Op: "get checkpoint", Err: err}
	}
	return checkpoint, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint domain.ScannerCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return &domain.StoreError{Op: "save checkpoint", Err: err}
	}
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return &domain.StoreError{Op: "encode checkpoint", Err: err}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointKey), payload)
	})
	if err != nil {
		return &domain.StoreError{Op: "save checkpoint", Err: err}
	}
	return nil
}

func (s *Store) ResetCheckpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &domain.StoreError{Op: "reset checkpoint", Err: err}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(checkpointKey))
	})
	if err != nil {
		return &domain.StoreError{Op: "reset checkpoint", Err: err}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return &domain.StoreError{Op: "ping", Err: errors.New("badger is closed")}
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) view(ctx context.Context, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, key, out)
		return err
	})
	return found, err
}

func getJSON(txn *badger.Txn, key string, out any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	return err == nil, err
}

// walletTxKey orders an address's transactions by block then index.
func walletTxKey(address string, record domain.IndexedTransaction) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%010d/%s", walletTxPrefix, address, record.BlockNumber, record.TransactionIndex, record.Hash))
}
