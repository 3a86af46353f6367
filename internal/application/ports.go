package application

import (
	"context"
	"time"

	"txscan/internal/domain"
)

type ChainClient interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	FetchBlockWithTransactions(ctx context.Context, number uint64) (domain.Block, error)
	TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, error)
}

// TransactionWriter is the write side of the index. UpsertTransactions must be
// idempotent by hash and apply wallet deltas only for newly inserted rows, in
// the same local transaction.
type TransactionWriter interface {
	UpsertTransactions(ctx context.Context, txs []domain.IndexedTransaction) (int, error)
}

type CheckpointRepository interface {
	GetCheckpoint(ctx context.Context) (domain.ScannerCheckpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint domain.ScannerCheckpoint) error
}

type QueryRepository interface {
	GetTransaction(ctx context.Context, hash string) (domain.IndexedTransaction, bool, error)
	GetWalletActivity(ctx context.Context, address string) (domain.WalletActivity, bool, error)
	ListWalletTransactions(ctx context.Context, address string, limit int) ([]domain.IndexedTransaction, error)
}

type ScanStore interface {
	TransactionWriter
	CheckpointRepository
}

// IndexStore is the full storage contract implemented by every backend.
type IndexStore interface {
	ScanStore
	QueryRepository
	Ping(ctx context.Context) error
	Close() error
}

type EventPublisher interface {
	PublishTransactions(ctx context.Context, txs []domain.IndexedTransaction) error
}

type ScanObserver interface {
	OnChainHeight(height uint64)
	OnBlockCommitted(block uint64, matched, inserted int)
	OnCycleError(err error)
	OnStatus(status domain.ScannerStatus)
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock used outside tests.
func SystemClock() Clock { return systemClock{} }
