package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"txscan/internal/domain"
	"txscan/internal/streaming"
)

// ApplyMessage writes a published transaction into a replica index. Replays
// are harmless because the write is idempotent by hash. It reports whether the
// row was new.
func ApplyMessage(ctx context.Context, writer TransactionWriter, chainID uint64, msg streaming.Message) (bool, error) {
	slog.Debug("consume message",
		"type", msg.Type,
		"chain_id", msg.ChainID,
		"block_number", msg.BlockNumber,
		"tx_hash", msg.TxHash,
	)

	if writer == nil {
		return false, errors.New("replica writer is required")
	}
	if chainID != 0 && msg.ChainID != chainID {
		return false, fmt.Errorf("message for chain %d, replica follows chain %d", msg.ChainID, chainID)
	}

	switch msg.Type {
	case streaming.MessageTypeTransaction:
		inserted, err := writer.UpsertTransactions(ctx, []domain.IndexedTransaction{msg.Transaction()})
		if err != nil {
			return false, err
		}
		return inserted > 0, nil
	default:
		return false, fmt.Errorf("unknown message type %q", msg.Type)
	}
}
