package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"txscan/internal/streaming"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultGroupID = "txscan-replica"

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one decoded message. A returned error is retried with
// backoff and the offset is not committed until it succeeds.
type Handler func(ctx context.Context, msg streaming.Message) error

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type ConsumerStats struct {
	Messages     uint64
	DecodeErrors uint64
	HandleErrors uint64
	LastBlock    uint64
	LastTxHash   string
}

type Consumer struct {
	reader     messageReader
	retryDelay time.Duration
	retryMax   time.Duration
	stats      ConsumerStats
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = defaultTopic
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		cfg.GroupID = defaultGroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(reader), nil
}

func newConsumer(reader messageReader) *Consumer {
	return &Consumer{reader: reader, retryDelay: 500 * time.Millisecond, retryMax: 30 * time.Second}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Stats is only safe to read after Run returns.
func (c *Consumer) Stats() ConsumerStats {
	return c.stats
}

// Run consumes until ctx is cancelled. Messages that fail to decode are
// committed and skipped; handler failures block the partition until they
// succeed.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	tracer := otel.Tracer("txscan/kafka")
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("kafka fetch error", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		decoded, err := streaming.Decode(message.Value)
		if err != nil {
			c.stats.DecodeErrors++
			slog.Warn("message decode error", "err", err, "topic", message.Topic, "offset", message.Offset)
			if err := c.reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
				slog.Warn("kafka commit error", "err", err)
			}
			continue
		}

		msgCtx := ContextFromHeaders(ctx, message.Headers)
		msgCtx, span := tracer.Start(msgCtx, "replica.apply_message", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(
			attribute.String("message.type", string(decoded.Type)),
			attribute.Int64("chain.id", int64(decoded.ChainID)),
			attribute.Int64("block.number", int64(decoded.BlockNumber)),
			attribute.String("tx.hash", decoded.TxHash),
		)

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = c.retryDelay
		policy.MaxInterval = c.retryMax
		policy.MaxElapsedTime = 0
		err = backoff.Retry(func() error {
			err := handle(msgCtx, decoded)
			if err != nil {
				c.stats.HandleErrors++
				slog.Warn("apply message error", "err", err, "tx_hash", decoded.TxHash)
			}
			return err
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		span.End()

		c.stats.Messages++
		c.stats.LastBlock = decoded.BlockNumber
		c.stats.LastTxHash = decoded.TxHash
		if c.stats.Messages%100 == 0 {
			slog.Info("replica stream stats",
				"messages", c.stats.Messages,
				"decode_errors", c.stats.DecodeErrors,
				"last_block", c.stats.LastBlock,
				"last_tx", c.stats.LastTxHash,
			)
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("kafka commit error", "err", err)
		}
	}
}
