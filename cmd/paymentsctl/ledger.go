package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"paybridge/internal/bootstrap"
	"paybridge/internal/ledger"
)

// errCommitted is returned when releasing a record that already has an
// outcome.
var errCommitted = errors.New("record is committed; releasing it would allow a second side effect")

func (c *cli) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and repair idempotency ledger records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <event-id>",
		Short: "Print the ledger record for an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withLedger(cmd, func(l ledger.Ledger) error {
				rec, err := l.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("get %s: %w", args[0], err)
				}
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <event-id>",
		Short: "Release an in-flight reservation so the next delivery is processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withLedger(cmd, func(l ledger.Ledger) error {
				rec, err := l.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("get %s: %w", args[0], err)
				}
				if rec.State == ledger.StateCommitted {
					return fmt.Errorf("%s: %w", args[0], errCommitted)
				}
				if err := l.Release(cmd.Context(), args[0], rec.Token); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "released %s\n", args[0])
				return nil
			})
		},
	})

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than a retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return c.withLedger(cmd, func(l ledger.Ledger) error {
				removed, err := ledger.NewPruner(l, olderThan, c.logger).PruneOnce(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "pruned %d records\n", removed)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 720*time.Hour, "retention window")
	cmd.AddCommand(prune)

	return cmd
}

// withLedger opens the configured ledger for the duration of fn.
func (c *cli) withLedger(cmd *cobra.Command, fn func(ledger.Ledger) error) error {
	b, err := bootstrap.OpenLedger(cmd.Context(), c.settings.appConfig(), c.logger)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b.Ledger)
}
