package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"paybridge/internal/bootstrap"
)

func (c *cli) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Run an archived webhook payload through normalization and dispatch",
		Long: `Replay loads the payload archived for an event and runs it through the
pipeline without signature verification, since it was verified at ingest.

The ledger still deduplicates: a committed event reports "duplicate". Release
an in-flight record first with "ledger release".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireDatabase(); err != nil {
				return err
			}
			if c.settings.WebhookSecret == "" {
				// The verifier is unused on replay but the pipeline requires one.
				c.settings.WebhookSecret = "replay"
			}
			cfg := c.settings.appConfig()

			b, err := bootstrap.Open(cmd.Context(), cfg, c.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			if b.Archive == nil {
				return errors.New("replay requires the postgres payload archive")
			}
			payload, err := b.Archive.LoadPayload(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load payload %s: %w", args[0], err)
			}

			pipeline, err := bootstrap.NewPipeline(cfg, b, bootstrap.PipelineOptions{Logger: c.logger})
			if err != nil {
				return err
			}
			result, err := pipeline.Replay(cmd.Context(), payload)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
