// Command paymentsctl is the operator CLI for paybridge. It runs schema
// migrations, inspects and repairs the idempotency ledger, replays archived
// webhooks, and carries helpers for setup and local testing.
//
// Settings come from paymentsctl.yaml (current directory or
// $HOME/.paymentsctl) and PAYMENTSCTL_* environment variables; flags on
// individual commands override both.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paybridge/internal/config"
	"paybridge/internal/types"
)

// Version is set via ldflags.
var Version = "dev"

// settings are the values paymentsctl reads through viper.
type settings struct {
	DatabaseURL         string        `mapstructure:"database_url"`
	Migrations          string        `mapstructure:"migrations"`
	RedisURL            string        `mapstructure:"redis_url"`
	RedisPrefix         string        `mapstructure:"redis_prefix"`
	LedgerBackend       string        `mapstructure:"ledger_backend"`
	BoltPath            string        `mapstructure:"bolt_path"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
	CollaboratorBackend string        `mapstructure:"collaborator_backend"`
	NATSURL             string        `mapstructure:"nats_url"`
	NATSSubjectPrefix   string        `mapstructure:"nats_subject_prefix"`
	WebhookSecret       string        `mapstructure:"webhook_secret"`
	StripeSecretKey     string        `mapstructure:"stripe_secret_key"`
	StripeAPIURL        string        `mapstructure:"stripe_api_url"`
	JWTSecret           string        `mapstructure:"jwt_secret"`
	JWTIssuer           string        `mapstructure:"jwt_issuer"`
	LogLevel            string        `mapstructure:"log_level"`
}

// appConfig maps settings onto the service configuration so the CLI opens
// backends exactly the way the API does.
func (s settings) appConfig() *config.Config {
	cfg := &config.Config{Environment: "local", Service: "paymentsctl", LogLevel: s.LogLevel}
	cfg.Database.URL = types.SecretString(s.DatabaseURL)
	cfg.Database.MigrationsPath = s.Migrations
	cfg.Redis.URL = types.SecretString(s.RedisURL)
	cfg.Redis.KeyPrefix = s.RedisPrefix
	cfg.Ledger.Backend = s.LedgerBackend
	cfg.Ledger.BoltPath = s.BoltPath
	cfg.Ledger.LeaseTTL = s.LeaseTTL
	cfg.Ledger.Retention = 720 * time.Hour
	cfg.Collaborators.Backend = s.CollaboratorBackend
	cfg.Collaborators.NATSURL = s.NATSURL
	cfg.Collaborators.SubjectPrefix = s.NATSSubjectPrefix
	cfg.Collaborators.RequestTimeout = 10 * time.Second
	cfg.Stripe.WebhookSecret = types.SecretString(s.WebhookSecret)
	cfg.Stripe.SecretKey = types.SecretString(s.StripeSecretKey)
	cfg.Stripe.APIURL = s.StripeAPIURL
	cfg.Webhook.EnrichmentTimeout = 5 * time.Second
	cfg.Webhook.DispatchMode = config.DispatchSync
	return cfg
}

// settingKeys are bound to PAYMENTSCTL_* so Unmarshal sees keys that have
// no default and no config file entry.
var settingKeys = []string{
	"database_url", "migrations", "redis_url", "redis_prefix",
	"ledger_backend", "bolt_path", "lease_ttl",
	"collaborator_backend", "nats_url", "nats_subject_prefix",
	"webhook_secret", "stripe_secret_key", "stripe_api_url", "jwt_secret", "jwt_issuer", "log_level",
}

// cli carries state shared by every command.
type cli struct {
	v        *viper.Viper
	cfgFile  string
	out      io.Writer
	settings settings
	logger   *slog.Logger
	checker  *checker
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, checker: newChecker()}

	root := &cobra.Command{
		Use:           "paymentsctl",
		Short:         "Operate the paybridge webhook ledger and database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default paymentsctl.yaml)")
	root.PersistentFlags().String("ledger-backend", "", "ledger backend: memory, postgres, redis, bolt")
	root.PersistentFlags().String("database-url", "", "Postgres connection URL")
	root.PersistentFlags().String("bolt-path", "", "bolt ledger file")
	_ = c.v.BindPFlag("ledger_backend", root.PersistentFlags().Lookup("ledger-backend"))
	_ = c.v.BindPFlag("database_url", root.PersistentFlags().Lookup("database-url"))
	_ = c.v.BindPFlag("bolt_path", root.PersistentFlags().Lookup("bolt-path"))

	root.AddCommand(
		c.migrateCmd(),
		c.ledgerCmd(),
		c.replayCmd(),
		c.signCmd(),
		c.tokenCmd(),
		c.adminKeyCmd(),
		c.checkCmd(),
	)
	return root
}

// load reads the config file and environment into c.settings.
func (c *cli) load(cmd *cobra.Command) error {
	v := c.v
	v.SetDefault("migrations", "file://migrations")
	v.SetDefault("ledger_backend", config.LedgerPostgres)
	v.SetDefault("redis_prefix", "paybridge:ledger:")
	v.SetDefault("lease_ttl", "5m")
	v.SetDefault("collaborator_backend", config.CollaboratorPostgres)
	v.SetDefault("nats_subject_prefix", "payments")
	v.SetDefault("stripe_api_url", "https://api.stripe.com")
	v.SetDefault("log_level", "warn")

	if c.cfgFile != "" {
		v.SetConfigFile(c.cfgFile)
	} else {
		v.SetConfigName("paymentsctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.paymentsctl")
		}
	}

	v.SetEnvPrefix("PAYMENTSCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range settingKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	// *_SSM_PARAM pointers resolve the same way they do for the services.
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		return err
	}

	if err := v.Unmarshal(&c.settings); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	level := slog.LevelWarn
	_ = level.UnmarshalText([]byte(c.settings.LogLevel))
	c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// requireDatabase fails when no database URL is configured.
func (c *cli) requireDatabase() error {
	if c.settings.DatabaseURL == "" {
		return errors.New("database_url is required (flag --database-url or PAYMENTSCTL_DATABASE_URL)")
	}
	return nil
}
