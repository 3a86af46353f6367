package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"txscan/internal/application"
	"txscan/internal/domain"
	"txscan/internal/infrastructure/telemetry"
	"txscan/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTopic = "txscan-transactions"

var _ application.EventPublisher = (*Producer)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer  messageWriter
	topic   string
	chainID uint64
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
	ChainID uint64
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           500 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, cfg)
}

func newProducer(writer messageWriter, cfg ProducerConfig) (*Producer, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("chain id is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = defaultTopic
	}
	return &Producer{writer: writer, topic: cfg.Topic, chainID: cfg.ChainID}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishTransactions writes one message per transaction, keyed by sender so
// a wallet's outgoing events stay on one partition.
func (p *Producer) PublishTransactions(ctx context.Context, txs []domain.IndexedTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	tracer := otel.Tracer("txscan/kafka")
	messages := make([]kafka.Message, 0, len(txs))
	spans := make([]trace.Span, 0, len(txs))
	for _, tx := range txs {
		traceID, traceIDHex, ok := telemetry.NewTraceID()
		if !ok {
			traceIDHex = ""
		}
		traceCtx := ctx
		if ok {
			if spanCtx, ok := telemetry.NewSpanContext(traceID); ok {
				traceCtx = trace.ContextWithSpanContext(ctx, spanCtx)
			}
		}
		traceCtx, span := tracer.Start(traceCtx, "scanner.publish_transaction", trace.WithSpanKind(trace.SpanKindProducer))
		span.SetAttributes(
			attribute.Int64("chain.id", int64(p.chainID)),
			attribute.Int64("block.number", int64(tx.BlockNumber)),
			attribute.String("tx.hash", tx.Hash),
			attribute.String("asset", tx.Asset),
		)

		msg := streaming.NewTransactionMessage(p.chainID, tx)
		msg.TraceID = traceIDHex
		payload, err := streaming.Encode(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			for _, pending := range spans {
				pending.End()
			}
			return err
		}
		messages = append(messages, kafka.Message{
			Topic:   p.topic,
			Key:     []byte(tx.From),
			Value:   payload,
			Headers: traceHeaders(traceCtx),
		})
		spans = append(spans, span)
	}
	err := p.writer.WriteMessages(ctx, messages...)
	if err != nil {
		for _, span := range spans {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	for _, span := range spans {
		span.End()
	}
	return err
}
