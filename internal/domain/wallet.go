package domain

import "github.com/shopspring/decimal"

// WalletActivity aggregates an address's participation across indexed transactions.
type WalletActivity struct {
	Address          string          `json:"address"`
	FirstSeenBlock   uint64          `json:"firstSeenBlock"`
	LastSeenBlock    uint64          `json:"lastSeenBlock"`
	TransactionCount uint64          `json:"transactionCount"`
	TotalInbound     decimal.Decimal `json:"totalInbound"`
	TotalOutbound    decimal.Decimal `json:"totalOutbound"`
}

// NewWalletActivity returns an empty aggregate for address.
func NewWalletActivity(address string) WalletActivity {
	return WalletActivity{
		Address:       address,
		TotalInbound:  decimal.Zero,
		TotalOutbound: decimal.Zero,
	}
}

// Apply folds one newly indexed transaction into the aggregate. Callers must
// apply each transaction at most once per address.
func (w *WalletActivity) Apply(tx IndexedTransaction) {
	if w.TransactionCount == 0 {
		w.FirstSeenBlock = tx.BlockNumber
		w.LastSeenBlock = tx.BlockNumber
	} else {
		if tx.BlockNumber < w.FirstSeenBlock {
			w.FirstSeenBlock = tx.BlockNumber
		}
		if tx.BlockNumber > w.LastSeenBlock {
			w.LastSeenBlock = tx.BlockNumber
		}
	}
	w.TransactionCount++

	value := tx.EffectiveValue()
	if tx.To == w.Address {
		w.TotalInbound = w.TotalInbound.Add(value)
	}
	if tx.From == w.Address {
		w.TotalOutbound = w.TotalOutbound.Add(value)
	}
}
