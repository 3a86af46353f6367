package ethrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"txscan/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	URL     string
	Timeout time.Duration
	// RateLimit caps outgoing calls per second. Zero disables throttling.
	RateLimit float64
}

// Client is a stateless adapter over an EVM JSON-RPC node. It never retries;
// every failure is returned as a domain.RPCError or domain.NotFoundError.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	timeout time.Duration
	limiter *rate.Limiter
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rpc url is required")
	}
	raw, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		rpc:     raw,
		eth:     ethclient.NewClient(raw),
		timeout: timeout,
		limiter: limiter,
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var chainID uint64
	err := c.call(ctx, "eth_chainId", func(ctx context.Context) error {
		id, err := c.eth.ChainID(ctx)
		if err != nil {
			return err
		}
		chainID = id.Uint64()
		return nil
	})
	return chainID, err
}

func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		number, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = number
		return nil
	})
	return height, err
}

func (c *Client) FetchBlockWithTransactions(ctx context.Context, number uint64) (domain.Block, error) {
	var raw json.RawMessage
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	}, attribute.Int64("block.number", int64(number)))
	if err != nil {
		return domain.Block{}, err
	}
	if isNull(raw) {
		return domain.Block{}, c.missingBlock(ctx, number)
	}

	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return domain.Block{}, &domain.RPCError{Method: "eth_getBlockByNumber", Err: fmt.Errorf("decode block %d: %w", number, err)}
	}
	if uint64(block.Number) != number {
		return domain.Block{}, &domain.RPCError{
			Method: "eth_getBlockByNumber",
			Err:    fmt.Errorf("node returned block %d for %d", uint64(block.Number), number),
		}
	}
	return block.toDomain(), nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, error) {
	var raw json.RawMessage
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &raw, "eth_getTransactionReceipt", common.HexToHash(hash))
	}, attribute.String("tx.hash", hash))
	if err != nil {
		return domain.Receipt{}, err
	}
	if isNull(raw) {
		return domain.Receipt{}, &domain.NotFoundError{Resource: "receipt", ID: hash}
	}
	var receipt rpcReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return domain.Receipt{}, &domain.RPCError{Method: "eth_getTransactionReceipt", Err: fmt.Errorf("decode receipt %s: %w", hash, err)}
	}
	return domain.Receipt{
		TxHash:      strings.ToLower(receipt.TxHash.Hex()),
		BlockNumber: uint64(receipt.BlockNumber),
		Status:      receipt.status(),
	}, nil
}

// missingBlock distinguishes a block the node has not produced yet from one it
// no longer serves.
func (c *Client) missingBlock(ctx context.Context, number uint64) error {
	height, err := c.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	if number <= height {
		return &domain.NotFoundError{Resource: "block", ID: fmt.Sprintf("%d", number)}
	}
	return &domain.RPCError{
		Method: "eth_getBlockByNumber",
		Err:    fmt.Errorf("block %d: %w", number, domain.ErrBlockUnavailable),
	}
}

func (c *Client) call(ctx context.Context, method string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := otel.Tracer("txscan/ethrpc").Start(ctx, "rpc."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("rpc.method", method))...),
	)
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return &domain.RPCError{Method: method, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &domain.RPCError{Method: method, Err: err}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
