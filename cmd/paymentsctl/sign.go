package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v82/webhook"

	"paybridge/internal/core"
	"paybridge/internal/types"
)

// signatureHeader formats a Stripe-Signature value for payload at ts.
func signatureHeader(payload []byte, secret string, ts time.Time) string {
	sig := webhook.ComputeSignature(ts, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
}

func (c *cli) signCmd() *cobra.Command {
	var (
		payloadPath string
		timestamp   int64
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a Stripe-Signature header for a payload file",
		Long: `Sign computes the header Stripe would send for a payload, keyed by
webhook_secret, so a local delivery can be replayed with curl:

  curl -H "Stripe-Signature: $(paymentsctl sign --payload evt.json)" \
       --data-binary @evt.json http://localhost:8080/webhook`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.settings.WebhookSecret == "" {
				return errors.New("webhook_secret is required (PAYMENTSCTL_WEBHOOK_SECRET)")
			}

			var (
				payload []byte
				err     error
			)
			if payloadPath == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(payloadPath)
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			ts := time.Now()
			if timestamp > 0 {
				ts = time.Unix(timestamp, 0)
			}
			fmt.Fprintln(c.out, signatureHeader(payload, c.settings.WebhookSecret, ts))
			return nil
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "-", "payload file, or - for stdin")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix timestamp to sign (default now)")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the checkout endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			auth, err := core.NewJWTAuthenticator(types.SecretString(c.settings.JWTSecret), c.settings.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
