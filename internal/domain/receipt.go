package domain

const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Receipt carries the execution outcome of a transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
}

func (r Receipt) Reverted() bool {
	return r.Status == ReceiptStatusFailed
}
