package main

import (
	"context"
	"errors"
	"log/slog"

	"txscan/internal/application"
	"txscan/internal/domain"
	"txscan/internal/infrastructure/kafka"
	"txscan/internal/streaming"

	"github.com/spf13/cobra"
)

func newReplicaCommand(a *app) *cobra.Command {
	var groupID string
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Build a read replica of the index from the published transaction stream",
		Long: "Replica consumes KAFKA_TOPIC and writes every transaction into the configured store.\n" +
			"Point STORE_DRIVER and its location at a different store than the scanner's.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if len(cfg.KafkaBrokers) == 0 {
				return errors.New("KAFKA_BROKERS is required for the replica")
			}
			store, err := openIndexStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
				Brokers: cfg.KafkaBrokers,
				Topic:   cfg.KafkaTopic,
				GroupID: groupID,
			})
			if err != nil {
				return err
			}
			defer consumer.Close()

			slog.Info("replica consuming", "topic", cfg.KafkaTopic, "group", groupID, "driver", cfg.StoreDriver)
			err = consumer.Run(cmd.Context(), func(ctx context.Context, msg streaming.Message) error {
				_, err := application.ApplyMessage(ctx, store, cfg.ChainID, msg)
				if err != nil && !domain.IsStoreError(err) {
					// Retrying cannot fix a message for another chain or of an unknown type.
					slog.Warn("skipping message", "tx_hash", msg.TxHash, "err", err)
					return nil
				}
				return err
			})
			stats := consumer.Stats()
			slog.Info("replica stopped", "messages", stats.Messages, "decode_errors", stats.DecodeErrors, "last_block", stats.LastBlock)
			return err
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "txscan-replica", "kafka consumer group")
	return cmd
}
