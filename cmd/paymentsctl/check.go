package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// probeTimeout bounds each active probe, including DNS and TLS.
const probeTimeout = 10 * time.Second

var (
	stripeKeyRegex     = regexp.MustCompile(`^(sk|rk)_(test|live)_[0-9a-zA-Z]{24,}$`)
	webhookSecretRegex = regexp.MustCompile(`^whsec_[0-9a-zA-Z]{16,}$`)
)

// checkResult is the outcome of one check.
type checkResult struct {
	Name    string
	OK      bool
	Skipped bool
	Message string
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// checker runs connectivity and format checks against the configured
// settings. Each dependency is swappable for tests.
type checker struct {
	httpClient  HTTPClient
	connectDB   func(ctx context.Context, dsn string) error
	pingRedis   func(ctx context.Context, rawURL string) error
	connectNATS func(rawURL string) error
}

func newChecker() *checker {
	return &checker{
		httpClient: &http.Client{Timeout: probeTimeout},
		connectDB: func(ctx context.Context, dsn string) error {
			conn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			return conn.Close(ctx)
		},
		pingRedis: func(ctx context.Context, rawURL string) error {
			opts, err := redis.ParseURL(rawURL)
			if err != nil {
				return err
			}
			client := redis.NewClient(opts)
			defer client.Close()
			return client.Ping(ctx).Err()
		},
		connectNATS: func(rawURL string) error {
			conn, err := nats.Connect(rawURL, nats.Name("paymentsctl-check"), nats.Timeout(probeTimeout))
			if err != nil {
				return err
			}
			conn.Close()
			return nil
		},
	}
}

// run executes every check that has settings to work with.
func (k *checker) run(ctx context.Context, s settings) []checkResult {
	return []checkResult{
		k.webhookSecret(s.WebhookSecret),
		k.stripeKey(ctx, s.StripeSecretKey, s.StripeAPIURL),
		k.database(ctx, s.DatabaseURL),
		k.redis(ctx, s.RedisURL),
		k.nats(s.NATSURL),
	}
}

func (k *checker) webhookSecret(secret string) checkResult {
	r := checkResult{Name: "webhook secret"}
	switch {
	case secret == "":
		r.Message = "not set"
	case !webhookSecretRegex.MatchString(secret):
		r.Message = "must match whsec_[alphanumeric 16+ chars]"
	default:
		r.OK = true
		r.Message = "format ok"
	}
	return r
}

func (k *checker) stripeKey(ctx context.Context, key, apiURL string) checkResult {
	r := checkResult{Name: "stripe key"}
	key = strings.TrimSpace(key)
	if key == "" {
		r.Skipped = true
		r.Message = "not set; checkout uses the stub provider locally"
		return r
	}
	if !stripeKeyRegex.MatchString(key) {
		r.Message = "must match (sk|rk)_(test|live)_[alphanumeric 24+ chars]"
		return r
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/v1/account", nil)
	if err != nil {
		r.Message = fmt.Sprintf("build request: %v", err)
		return r
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", "paymentsctl/"+Version)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		r.Message = fmt.Sprintf("probe failed: %v", err)
		return r
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		r.Message = "401 Unauthorized: key is invalid or revoked"
		return r
	case resp.StatusCode != http.StatusOK:
		r.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, 200))
		return r
	}

	var account struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &account)

	mode := "test"
	if strings.Contains(key, "_live_") {
		mode = "live"
	}
	r.OK = true
	r.Message = fmt.Sprintf("verified [%s mode]", mode)
	if account.ID != "" {
		r.Message += " account " + account.ID
	}
	return r
}

func (k *checker) database(ctx context.Context, rawURL string) checkResult {
	r := checkResult{Name: "database"}
	if rawURL == "" {
		r.Skipped = true
		r.Message = "not set"
		return r
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		r.Message = fmt.Sprintf("invalid URL: %v", err)
		return r
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		r.Message = fmt.Sprintf("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme)
		return r
	}

	connCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := k.connectDB(connCtx, rawURL); err != nil {
		r.Message = fmt.Sprintf("connection failed: %v", err)
		return r
	}
	r.OK = true
	r.Message = "connected to " + parsed.Hostname()
	return r
}

func (k *checker) redis(ctx context.Context, rawURL string) checkResult {
	r := checkResult{Name: "redis"}
	if rawURL == "" {
		r.Skipped = true
		r.Message = "not set"
		return r
	}
	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := k.pingRedis(pingCtx, rawURL); err != nil {
		r.Message = fmt.Sprintf("ping failed: %v", err)
		return r
	}
	r.OK = true
	r.Message = "ping ok"
	return r
}

func (k *checker) nats(rawURL string) checkResult {
	r := checkResult{Name: "nats"}
	if rawURL == "" {
		r.Skipped = true
		r.Message = "not set"
		return r
	}
	if err := k.connectNATS(rawURL); err != nil {
		r.Message = fmt.Sprintf("connect failed: %v", err)
		return r
	}
	r.OK = true
	r.Message = "connected"
	return r
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}

var errChecksFailed = errors.New("one or more checks failed")

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify secrets and connectivity for the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			failed := false
			for _, r := range c.checker.run(cmd.Context(), c.settings) {
				status := "ok"
				switch {
				case r.Skipped:
					status = "skip"
				case !r.OK:
					status = "FAIL"
					failed = true
				}
				fmt.Fprintf(c.out, "[%-4s] %-14s %s\n", status, r.Name, r.Message)
			}
			if failed {
				return errChecksFailed
			}
			return nil
		},
	}
}
