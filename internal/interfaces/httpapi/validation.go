package httpapi

import (
	"strings"

	"txscan/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// normalizeTxHash accepts 0x followed by exactly 64 hex digits and returns the
// lowercase form used as the index key.
func normalizeTxHash(raw string) (string, error) {
	if len(raw) != 2+2*common.HashLength || !strings.HasPrefix(raw, "0x") {
		return "", invalidTxHash()
	}
	if _, err := hexutil.Decode(raw); err != nil {
		return "", invalidTxHash()
	}
	return strings.ToLower(raw), nil
}

// normalizeAddress accepts all-lowercase or all-uppercase hex, or a mixed-case
// address that carries a valid EIP-55 checksum.
func normalizeAddress(raw string) (string, error) {
	if !strings.HasPrefix(raw, "0x") || !common.IsHexAddress(raw) {
		return "", invalidAddress()
	}
	body := raw[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if common.HexToAddress(raw).Hex() != raw {
			return "", invalidAddress()
		}
	}
	return strings.ToLower(raw), nil
}

func invalidTxHash() error {
	return &domain.ValidationError{Field: "txHash", Code: "INVALID_TX_HASH", Message: "invalid transaction hash"}
}

func invalidAddress() error {
	return &domain.ValidationError{Field: "address", Code: "INVALID_ADDRESS", Message: "invalid address"}
}
