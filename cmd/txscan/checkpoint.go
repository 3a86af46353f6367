package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckpointCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the scan checkpoint",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the stored checkpoint as JSON",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openBackend(a.cfg)
				if err != nil {
					return err
				}
				defer store.Close()

				checkpoint, err := store.GetCheckpoint(cmd.Context())
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(checkpoint)
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Forget scan progress; indexed data is kept",
			Long: "Reset removes the checkpoint so the next start begins at the requested start block.\n" +
				"Indexed transactions and wallet totals stay, and rescanning them is a no-op.\n" +
				"Do not run it while a scanner is using the same store.",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openBackend(a.cfg)
				if err != nil {
					return err
				}
				defer store.Close()

				if err := store.ResetCheckpoint(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "checkpoint reset")
				return nil
			},
		},
	)
	return cmd
}
