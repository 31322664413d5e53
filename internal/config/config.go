// Package config defines the process configuration for the payments bridge.
// Configuration is loaded once at startup (or Lambda cold start) and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid combination fails startup.
package config

import (
	"time"

	"paybridge/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types just to read a secret.
type SecretString = types.SecretString

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerBolt     = "bolt"
)

// Collaborator backends.
const (
	CollaboratorPostgres = "postgres"
	CollaboratorNATS     = "nats"
)

// Dispatch modes.
const (
	DispatchSync  = "sync"
	DispatchAsync = "async"
)

// Metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsCloudWatch = "cloudwatch"
	MetricsNone       = "none"
)

// Config is the top-level configuration struct.
// Sub-components receive only the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"paybridge"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Stripe        StripeConfig
	Webhook       WebhookConfig
	Ledger        LedgerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Collaborators CollaboratorConfig
	AWS           AWSConfig
	Auth          AuthConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// BaseURL is the public origin of this service (no trailing slash). Checkout
	// success and cancel URLs are built from it.
	BaseURL string `envconfig:"BASE_URL" validate:"required,url"`
	// DefaultRedirectURL is where users land after checkout redirects or when a
	// redirect cannot be resolved safely. Defaults to BaseURL + "/".
	DefaultRedirectURL string        `envconfig:"DEFAULT_REDIRECT_URL" validate:"omitempty,url"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s" validate:"gt=0"`
	// CheckoutRateLimit caps checkout sessions per user per window. Zero
	// disables the limiter.
	CheckoutRateLimit  int           `envconfig:"CHECKOUT_RATE_LIMIT" default:"20" validate:"gte=0"`
	CheckoutRateWindow time.Duration `envconfig:"CHECKOUT_RATE_WINDOW" default:"1m" validate:"gt=0"`
}

// StripeConfig holds provider credentials.
type StripeConfig struct {
	// SecretKey may be empty in local runs, where checkout uses a stub.
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	// SignatureTolerance bounds the age of a signed webhook timestamp.
	SignatureTolerance time.Duration `envconfig:"STRIPE_SIGNATURE_TOLERANCE" default:"5m" validate:"gt=0"`
	APIURL             string        `envconfig:"STRIPE_API_URL" default:"https://api.stripe.com" validate:"url"`
}

// WebhookConfig controls the ingestion pipeline.
type WebhookConfig struct {
	ProcessTimeout    time.Duration `envconfig:"WEBHOOK_PROCESS_TIMEOUT" default:"10s" validate:"gt=0"`
	EnrichmentTimeout time.Duration `envconfig:"ENRICHMENT_TIMEOUT" default:"3s" validate:"gt=0"`
	DispatchMode      string        `envconfig:"DISPATCH_MODE" default:"sync" validate:"oneof=sync async"`
}

// LedgerConfig selects and tunes the idempotency ledger.
type LedgerConfig struct {
	Backend       string        `envconfig:"LEDGER_BACKEND" default:"memory" validate:"oneof=memory postgres redis bolt"`
	LeaseTTL      time.Duration `envconfig:"LEDGER_LEASE_TTL" default:"5m" validate:"gt=0"`
	Retention     time.Duration `envconfig:"LEDGER_RETENTION" default:"720h" validate:"gt=0"`
	PruneInterval time.Duration `envconfig:"LEDGER_PRUNE_INTERVAL" default:"1h"`
	BoltPath      string        `envconfig:"BOLT_PATH"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	// MigrateOnStart applies pending migrations before serving. Local only.
	MigrateOnStart bool   `envconfig:"DB_MIGRATE_ON_START" default:"false"`
	MigrationsPath string `envconfig:"DB_MIGRATIONS_PATH" default:"file://migrations"`
}

// RedisConfig configures the Redis ledger backend.
type RedisConfig struct {
	URL       SecretString `envconfig:"REDIS_URL"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"paybridge:ledger:"`
}

// CollaboratorConfig selects how dispatched events reach the services that
// own credits and subscriptions.
type CollaboratorConfig struct {
	Backend        string        `envconfig:"COLLABORATOR_BACKEND" default:"postgres" validate:"oneof=postgres nats"`
	NATSURL        string        `envconfig:"NATS_URL"`
	SubjectPrefix  string        `envconfig:"NATS_SUBJECT_PREFIX" default:"payments"`
	RequestTimeout time.Duration `envconfig:"NATS_REQUEST_TIMEOUT" default:"5s" validate:"gt=0"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region     string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventQueue string `envconfig:"EVENT_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// AuthConfig holds the credentials used to authenticate checkout callers and
// operators.
type AuthConfig struct {
	// JWTSecret verifies HS256 tokens issued by the host application.
	// Required by the API process; workers leave it unset.
	JWTSecret SecretString `envconfig:"AUTH_JWT_SECRET" validate:"omitempty,min=32"`
	JWTIssuer string       `envconfig:"AUTH_JWT_ISSUER"`
	// AdminKeyHash is a bcrypt hash of the operator key. Admin routes are not
	// mounted when it is empty.
	AdminKeyHash SecretString `envconfig:"ADMIN_KEY_HASH"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Paybridge"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// IsLocal reports whether the process runs in the local environment.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// RedirectURL returns the configured default redirect target.
func (c *Config) RedirectURL() string {
	if c.Server.DefaultRedirectURL != "" {
		return c.Server.DefaultRedirectURL
	}
	return c.Server.BaseURL + "/"
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
