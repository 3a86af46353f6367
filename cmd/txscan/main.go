package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"txscan/internal/config"
	"txscan/internal/infrastructure/logging"
	"txscan/internal/interfaces/httpapi"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func buildInfo() httpapi.BuildInfo {
	return httpapi.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	cancel()
	if err != nil {
		slog.Error("txscan failed", "err", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the environment is loaded.
type app struct {
	cfg     config.Config
	logFile *logging.RotatingWriter
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "txscan",
		Short:         "Scan an EVM chain and index the transactions you care about",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Subcommands that touch the environment share this hook.
	load := func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logFile, err := logging.Init(logging.Config{
			Level:      cfg.LogLevel,
			Format:     cfg.LogFormat,
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		a.cfg = cfg
		a.logFile = logFile
		return nil
	}

	serve := newServeCommand(a)
	serve.PreRunE = load
	checkpoint := newCheckpointCommand(a)
	checkpoint.PersistentPreRunE = load
	replica := newReplicaCommand(a)
	replica.PreRunE = load

	root.AddCommand(serve, checkpoint, replica, newVersionCommand())
	// Running the bare binary serves.
	root.PreRunE = load
	root.RunE = serve.RunE
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) { a.close() }
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "txscan %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
}
