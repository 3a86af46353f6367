package domain

import "github.com/shopspring/decimal"

type TxStatus string

const (
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusReverted  TxStatus = "reverted"
)

// AssetNative marks transactions that move the chain's native currency.
const AssetNative = "native"

// IndexedTransaction is an immutable record of a matched transaction.
type IndexedTransaction struct {
	Hash             string          `json:"hash"`
	BlockNumber      uint64          `json:"blockNumber"`
	BlockTimestamp   uint64          `json:"blockTimestamp"`
	TransactionIndex uint64          `json:"transactionIndex"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	Asset            string          `json:"asset"`
	ValueRaw         string          `json:"valueRaw"`
	ValueNormalized  decimal.Decimal `json:"valueNormalized"`
	Status           TxStatus        `json:"status"`
}

// Participants returns the distinct non-empty addresses referenced by the transaction.
func (t IndexedTransaction) Participants() []string {
	out := make([]string, 0, 2)
	if t.From != "" {
		out = append(out, t.From)
	}
	if t.To != "" && t.To != t.From {
		out = append(out, t.To)
	}
	return out
}

// EffectiveValue is the amount that moved; reverted transactions move nothing.
func (t IndexedTransaction) EffectiveValue() decimal.Decimal {
	if t.Status == TxStatusReverted {
		return decimal.Zero
	}
	return t.ValueNormalized
}
