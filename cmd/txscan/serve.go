package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"txscan/internal/application"
	"txscan/internal/config"
	"txscan/internal/infrastructure/ethrpc"
	"txscan/internal/infrastructure/kafka"
	"txscan/internal/infrastructure/telemetry"
	"txscan/internal/interfaces/httpapi"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scanner and its HTTP control/query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "txscan",
		ServiceVersion: version,
		Endpoint:       cfg.OtelEndpoint,
	})
	if err != nil {
		slog.Warn("tracing disabled", "err", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown error", "err", err)
		}
	}()

	rpcClient, err := ethrpc.NewClient(ctx, ethrpc.Config{
		URL:       cfg.RPCURL,
		Timeout:   cfg.RPCTimeout,
		RateLimit: cfg.RPCRateLimit,
	})
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	defer rpcClient.Close()

	chainID, err := resolveChainID(ctx, rpcClient, cfg.ChainID)
	if err != nil {
		return err
	}

	store, err := openIndexStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	classifier, err := application.NewClassifier(application.ClassifierConfig{
		Mode:           application.ClassifierMode(cfg.ClassifierMode),
		TrackedToken:   cfg.TrackedToken,
		Decimals:       cfg.AssetDecimals,
		MinValue:       cfg.MinValue,
		WatchAddresses: cfg.WatchAddresses,
	})
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	metrics := httpapi.NewMetrics()
	opts := []application.ScannerOption{application.WithObserver(metrics)}
	if len(cfg.KafkaBrokers) > 0 {
		if chainID == 0 {
			return errors.New("kafka publishing needs a chain id; set CHAIN_ID or use a node that reports one")
		}
		producer, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			ChainID: chainID,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Warn("kafka producer close error", "err", err)
			}
		}()
		opts = append(opts, application.WithPublisher(producer))
		slog.Info("publishing indexed transactions", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	scanner, err := application.NewScannerService(rpcClient, classifier, store, application.ScannerConfig{
		StartBlock:     cfg.StartBlock,
		Confirmations:  cfg.Confirmations,
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		CheckReceipts:  cfg.CheckReceipts,
	}, opts...)
	if err != nil {
		return err
	}

	if cfg.ScannerAutostart {
		if err := scanner.Start(ctx, application.StartConfig{}); err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
	} else if resumed, err := scanner.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	} else if resumed {
		slog.Info("resumed scan interrupted by the previous shutdown")
	}

	server, err := httpapi.NewServer(scanner, store, rpcClient, metrics, httpapi.ServerConfig{
		ExplorerURL: cfg.ExplorerURL,
		RateLimit:   cfg.APIRateLimit,
		BuildInfo:   buildInfo(),
	})
	if err != nil {
		return err
	}

	serveErr := server.ListenAndServe(ctx, cfg.HTTPAddr)
	if serveErr != nil {
		slog.Error("http server error", "err", serveErr)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = scanner.Shutdown(stopCtx)
	slog.Info("txscan stopped")
	return serveErr
}

// resolveChainID cross-checks the configured chain id against the node. An
// unset id is taken from the node.
func resolveChainID(ctx context.Context, client *ethrpc.Client, configured uint64) (uint64, error) {
	reported, err := client.ChainID(ctx)
	if err != nil {
		slog.Warn("chain id unavailable from node", "err", err, "configured", configured)
		return configured, nil
	}
	if configured != 0 && configured != reported {
		return 0, fmt.Errorf("CHAIN_ID %d does not match node chain id %d", configured, reported)
	}
	slog.Info("connected to chain", "chain_id", reported)
	return reported, nil
}
