package streaming

import (
	"encoding/json"
	"errors"

	"txscan/internal/domain"

	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageTypeTransaction MessageType = "transaction"
)

// Message is the event published for every matched transaction. Delivery is
// at-least-once; consumers deduplicate on TxHash.
type Message struct {
	Type           MessageType     `json:"type"`
	ChainID        uint64          `json:"chain_id"`
	TraceID        string          `json:"trace_id,omitempty"`
	BlockNumber    uint64          `json:"block_number"`
	BlockTimestamp uint64          `json:"block_timestamp,omitempty"`
	TxHash         string          `json:"tx_hash"`
	TxIndex        uint64          `json:"tx_index"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Asset          string          `json:"asset"`
	ValueRaw       string          `json:"value_raw"`
	Value          decimal.Decimal `json:"value"`
	Status         domain.TxStatus `json:"status"`
}

func NewTransactionMessage(chainID uint64, tx domain.IndexedTransaction) Message {
	return Message{
		Type:           MessageTypeTransaction,
		ChainID:        chainID,
		BlockNumber:    tx.BlockNumber,
		BlockTimestamp: tx.BlockTimestamp,
		TxHash:         tx.Hash,
		TxIndex:        tx.TransactionIndex,
		From:           tx.From,
		To:             tx.To,
		Asset:          tx.Asset,
		ValueRaw:       tx.ValueRaw,
		Value:          tx.ValueNormalized,
		Status:         tx.Status,
	}
}

// Transaction converts the message back into the indexed record.
func (m Message) Transaction() domain.IndexedTransaction {
	return domain.IndexedTransaction{
		Hash:             m.TxHash,
		BlockNumber:      m.BlockNumber,
		BlockTimestamp:   m.BlockTimestamp,
		TransactionIndex: m.TxIndex,
		From:             m.From,
		To:               m.To,
		Asset:            m.Asset,
		ValueRaw:         m.ValueRaw,
		ValueNormalized:  m.Value,
		Status:           m.Status,
	}
}

func Encode(msg Message) ([]byte, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func validate(msg Message) error {
	if msg.Type == "" {
		return errors.New("message type is required")
	}
	if msg.ChainID == 0 {
		return errors.New("chain_id is required")
	}
	if msg.Type == MessageTypeTransaction && msg.TxHash == "" {
		return errors.New("tx_hash is required")
	}
	return nil
}
