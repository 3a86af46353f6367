package ethrpc

import (
	"math/big"
	"strings"

	"txscan/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         common.Hash      `json:"hash"`
	ParentHash   common.Hash      `json:"parentHash"`
	Timestamp    hexutil.Uint64   `json:"timestamp"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Hash             common.Hash     `json:"hash"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	Input            hexutil.Bytes   `json:"input"`
}

// rpcReceipt covers both receipt shapes. Receipts from before Byzantium
// (EIP-658) carry a post-state root instead of a status field.
type rpcReceipt struct {
	TxHash      common.Hash     `json:"transactionHash"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
	Status      *hexutil.Uint64 `json:"status"`
	Root        hexutil.Bytes   `json:"root"`
}

// status reports a root-only receipt as successful; those receipts do not
// record execution failure.
func (r rpcReceipt) status() uint64 {
	if r.Status == nil {
		return domain.ReceiptStatusSuccessful
	}
	return uint64(*r.Status)
}

func (b rpcBlock) toDomain() domain.Block {
	txs := make([]domain.ChainTransaction, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		value := new(big.Int)
		if tx.Value != nil {
			value = tx.Value.ToInt()
		}
		to := ""
		if tx.To != nil {
			to = lowerHex(tx.To.Hex())
		}
		txs = append(txs, domain.ChainTransaction{
			Hash:  lowerHex(tx.Hash.Hex()),
			Index: uint64(tx.TransactionIndex),
			From:  lowerHex(tx.From.Hex()),
			To:    to,
			Value: value,
			Input: tx.Input,
		})
	}
	return domain.Block{
		Number:       uint64(b.Number),
		Hash:         lowerHex(b.Hash.Hex()),
		ParentHash:   lowerHex(b.ParentHash.Hex()),
		Timestamp:    uint64(b.Timestamp),
		Transactions: txs,
	}
}

func lowerHex(value string) string {
	return strings.ToLower(value)
}
