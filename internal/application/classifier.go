package application

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"txscan/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type ClassifierMode string

const (
	ClassifierModeNative ClassifierMode = "native"
	ClassifierModeERC20  ClassifierMode = "erc20"
)

const erc20TransferABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

type ClassifierConfig struct {
	Mode           ClassifierMode
	TrackedToken   string
	Decimals       int32
	MinValue       decimal.Decimal
	WatchAddresses []string
}

// Classifier decides which chain transactions are indexed. It holds no mutable
// state, so the same input always yields the same output.
type Classifier struct {
	mode     ClassifierMode
	token    string
	decimals int32
	minValue decimal.Decimal
	watch    map[string]struct{}
	erc20    abi.ABI
}

func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg.Mode == "" {
		cfg.Mode = ClassifierModeNative
	}
	if cfg.Decimals < 0 || cfg.Decimals > 36 {
		return nil, fmt.Errorf("invalid asset decimals: %d", cfg.Decimals)
	}
	if cfg.MinValue.IsNegative() {
		return nil, errors.New("min value must not be negative")
	}

	c := &Classifier{
		mode:     cfg.Mode,
		decimals: cfg.Decimals,
		minValue: cfg.MinValue,
	}
	switch cfg.Mode {
	case ClassifierModeNative:
	case ClassifierModeERC20:
		if !common.IsHexAddress(cfg.TrackedToken) {
			return nil, fmt.Errorf("tracked token address is invalid: %q", cfg.TrackedToken)
		}
		c.token = strings.ToLower(common.HexToAddress(cfg.TrackedToken).Hex())
		parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
		if err != nil {
			return nil, fmt.Errorf("parse erc20 abi: %w", err)
		}
		c.erc20 = parsed
	default:
		return nil, fmt.Errorf("unknown classifier mode: %q", cfg.Mode)
	}

	if len(cfg.WatchAddresses) > 0 {
		c.watch = make(map[string]struct{}, len(cfg.WatchAddresses))
		for _, address := range cfg.WatchAddresses {
			if !common.IsHexAddress(address) {
				return nil, fmt.Errorf("watch address is invalid: %q", address)
			}
			c.watch[strings.ToLower(common.HexToAddress(address).Hex())] = struct{}{}
		}
	}
	return c, nil
}

// Asset names what the classifier tracks: "native" or the token contract.
func (c *Classifier) Asset() string {
	if c.mode == ClassifierModeERC20 {
		return c.token
	}
	return domain.AssetNative
}

// Classify returns the normalized record for tx when it is of interest.
func (c *Classifier) Classify(tx domain.ChainTransaction, block domain.Block) (domain.IndexedTransaction, bool) {
	var (
		from, to string
		amount   *big.Int
		ok       bool
	)
	switch c.mode {
	case ClassifierModeERC20:
		from, to, amount, ok = c.decodeTokenTransfer(tx)
	default:
		from, to, amount, ok = nativeTransfer(tx)
	}
	if !ok {
		return domain.IndexedTransaction{}, false
	}
	if !c.watches(from, to) {
		return domain.IndexedTransaction{}, false
	}

	normalized := decimal.NewFromBigInt(amount, -c.decimals)
	if normalized.LessThan(c.minValue) {
		return domain.IndexedTransaction{}, false
	}

	return domain.IndexedTransaction{
		Hash:             tx.Hash,
		BlockNumber:      block.Number,
		BlockTimestamp:   block.Timestamp,
		TransactionIndex: tx.Index,
		From:             from,
		To:               to,
		Asset:            c.Asset(),
		ValueRaw:         amount.String(),
		ValueNormalized:  normalized,
		Status:           domain.TxStatusConfirmed,
	}, true
}

func (c *Classifier) watches(from, to string) bool {
	if c.watch == nil {
		return true
	}
	if _, ok := c.watch[from]; ok {
		return true
	}
	_, ok := c.watch[to]
	return ok
}

func nativeTransfer(tx domain.ChainTransaction) (string, string, *big.Int, bool) {
	if tx.To == "" || tx.Value == nil || tx.Value.Sign() <= 0 {
		return "", "", nil, false
	}
	return tx.From, tx.To, new(big.Int).Set(tx.Value), true
}

func (c *Classifier) decodeTokenTransfer(tx domain.ChainTransaction) (string, string, *big.Int, bool) {
	if tx.To != c.token || len(tx.Input) < 4 {
		return "", "", nil, false
	}
	method, err := c.erc20.MethodById(tx.Input[:4])
	if err != nil {
		return "", "", nil, false
	}
	args, err := method.Inputs.Unpack(tx.Input[4:])
	if err != nil {
		return "", "", nil, false
	}

	switch method.Name {
	case "transfer":
		if len(args) != 2 {
			return "", "", nil, false
		}
		recipient, okTo := args[0].(common.Address)
		amount, okAmount := args[1].(*big.Int)
		if !okTo || !okAmount || amount.Sign() <= 0 {
			return "", "", nil, false
		}
		return tx.From, addressString(recipient), amount, true
	case "transferFrom":
		if len(args) != 3 {
			return "", "", nil, false
		}
		sender, okFrom := args[0].(common.Address)
		recipient, okTo := args[1].(common.Address)
		amount, okAmount := args[2].(*big.Int)
		if !okFrom || !okTo || !okAmount || amount.Sign() <= 0 {
			return "", "", nil, false
		}
		return addressString(sender), addressString(recipient), amount, true
	default:
		return "", "", nil, false
	}
}

func addressString(address common.Address) string {
	return strings.ToLower(address.Hex())
}
