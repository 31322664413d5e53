// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. If APP_ENV != "local", resolve _SSM_PARAM pointer variables through the
//     SecretProvider and inject the values back into the environment.
//  4. Use envconfig to populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate struct tags, then the cross-field backend requirements.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: STRIPE_WEBHOOK_SECRET_SSM_PARAM
// names the SSM path holding STRIPE_WEBHOOK_SECRET.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// loaderDeps holds the injectable environment accessors so tests can run the
// loader without mutating process state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the process configuration.
//
// The provider resolves _SSM_PARAM pointers outside the local environment.
// It may be nil for local development.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv never overrides variables that are already set.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()
	cfg.Server.BaseURL = strings.TrimRight(cfg.Server.BaseURL, "/")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := validateBackends(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateBackends enforces the requirements that struct tags cannot express:
// each selected backend must have its connection settings.
func validateBackends(cfg *Config) error {
	var missing []string

	if !cfg.IsLocal() && !cfg.Stripe.SecretKey.IsSet() {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}

	needsDB := cfg.Ledger.Backend == LedgerPostgres || cfg.Collaborators.Backend == CollaboratorPostgres
	if needsDB && !cfg.Database.URL.IsSet() {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.Ledger.Backend == LedgerRedis && !cfg.Redis.URL.IsSet() {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.Ledger.Backend == LedgerBolt && cfg.Ledger.BoltPath == "" {
		missing = append(missing, "BOLT_PATH")
	}
	if cfg.Collaborators.Backend == CollaboratorNATS && cfg.Collaborators.NATSURL == "" {
		missing = append(missing, "NATS_URL")
	}
	if cfg.Webhook.DispatchMode == DispatchAsync && cfg.AWS.EventQueue == "" {
		missing = append(missing, "EVENT_QUEUE_URL")
	}

	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("selected backends require: %s", strings.Join(missing, ", ")),
		}
	}

	if cfg.Ledger.Backend == LedgerMemory && cfg.Webhook.DispatchMode == DispatchAsync {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "LEDGER_BACKEND=memory cannot be shared with the async event worker",
		}
	}

	if cfg.Ledger.LeaseTTL <= cfg.Webhook.ProcessTimeout {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "LEDGER_LEASE_TTL must exceed WEBHOOK_PROCESS_TIMEOUT",
		}
	}

	if !cfg.IsLocal() && cfg.Server.DefaultRedirectURL != "" {
		if !sameOrigin(cfg.Server.BaseURL, cfg.Server.DefaultRedirectURL) {
			return &ConfigError{
				Type:    ErrValidation,
				Message: "DEFAULT_REDIRECT_URL must share the origin of BASE_URL",
			}
		}
	}

	return nil
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

// ResolveSecrets performs only the SSM resolution step. Entry points that read
// individual variables (the paymentsctl CLI) call it before touching the
// environment. It is a no-op for APP_ENV=local.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams scans the environment for *_SSM_PARAM variables, fetches
// their values in one batch, and sets the target variables. A target that is
// already set wins over SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var targets []string

	for _, entry := range deps.environ() {
		key, ssmPath, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || ssmPath == "" {
			continue
		}

		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}

		pathToTarget[ssmPath] = target
		targets = append(targets, target)
	}

	if len(pathToTarget) == 0 {
		return nil
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	paths := make([]string, 0, len(pathToTarget))
	for p := range pathToTarget {
		paths = append(paths, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for path, target := range pathToTarget {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}

	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
