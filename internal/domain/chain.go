package domain

import "math/big"

// Block is a block returned by the chain client with full transaction bodies.
type Block struct {
	Number       uint64
	Hash         string
	ParentHash   string
	Timestamp    uint64
	Transactions []ChainTransaction
}

// ChainTransaction is a transaction body as it appears in a block.
type ChainTransaction struct {
	Hash  string
	Index uint64
	From  string
	// To is empty for contract creation.
	To    string
	Value *big.Int
	Input []byte
}
