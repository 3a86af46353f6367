package badgerstore

import (
	"context"
	"testing"

	"txscan/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x52908400098527886e0f7030069857d2e4169ee7"
	bob   = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(hash string, block, index uint64, from, to string, value int64) domain.IndexedTransaction {
	return domain.IndexedTransaction{
		Hash:             hash,
		BlockNumber:      block,
		TransactionIndex: index,
		From:             from,
		To:               to,
		Asset:            domain.AssetNative,
		ValueRaw:         decimal.NewFromInt(value).Shift(18).String(),
		ValueNormalized:  decimal.NewFromInt(value),
		Status:           domain.TxStatusConfirmed,
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	batch := []domain.IndexedTransaction{
		record("0x01", 10, 0, alice, bob, 2),
		record("0x02", 12, 1, bob, alice, 1),
		record("0x01", 10, 0, alice, bob, 2),
	}

	inserted, err := store.UpsertTransactions(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = store.UpsertTransactions(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	wallet, ok, err := store.GetWalletActivity(ctx, alice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), wallet.TransactionCount)
	assert.Equal(t, uint64(10), wallet.FirstSeenBlock)
	assert.Equal(t, uint64(12), wallet.LastSeenBlock)
	assert.True(t, wallet.TotalOutbound.Equal(decimal.NewFromInt(2)))
	assert.True(t, wallet.TotalInbound.Equal(decimal.NewFromInt(1)))

	got, ok, err := store.GetTransaction(ctx, "0x02")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(12), got.BlockNumber)
	assert.Equal(t, "1000000000000000000", got.ValueRaw)
}

func TestStore_ListWalletTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	_, err := store.UpsertTransactions(ctx, []domain.IndexedTransaction{
		record("0x10", 9, 0, alice, bob, 1),
		record("0x11", 100, 3, bob, alice, 1),
		record("0x12", 100, 1, alice, bob, 1),
	})
	require.NoError(t, err)

	txs, err := store.ListWalletTransactions(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"0x11", "0x12", "0x10"}, []string{txs[0].Hash, txs[1].Hash, txs[2].Hash})

	txs, err = store.ListWalletTransactions(ctx, alice, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0x11", txs[0].Hash)
}

func TestStore_Checkpoint(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	checkpoint, err := store.GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, checkpoint.HasScanned)
	assert.Equal(t, domain.ScannerStatusStopped, checkpoint.Status)

	require.NoError(t, store.SaveCheckpoint(ctx, domain.ScannerCheckpoint{
		LastScannedBlock: 42,
		HasScanned:       true,
		Status:           domain.ScannerStatusErroring,
	}))
	checkpoint, err = store.GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), checkpoint.NextBlock())
	assert.True(t, checkpoint.WasActive())

	require.NoError(t, store.ResetCheckpoint(ctx))
	checkpoint, err = store.GetCheckpoint(ctx)
	require.NoError(t, err)
	assert.False(t, checkpoint.HasScanned)
}

func TestStore_PingAfterClose(t *testing.T) {
	store, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())

	err = store.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsStoreError(err))
}

func TestStore_CanceledContext(t *testing.T) {
	store := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.GetTransaction(ctx, "0x01")
	require.Error(t, err)
	assert.True(t, domain.IsStoreError(err))
}
