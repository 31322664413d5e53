// Package bootstrap builds the backends selected by configuration. Every
// entry point (the API, the event worker and paymentsctl) opens the same
// ledger and collaborators through it so they agree on shared state.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"paybridge/internal/config"
	"paybridge/internal/core"
	"paybridge/internal/db"
	"paybridge/internal/ingest"
	"paybridge/internal/ledger"
	"paybridge/internal/relay"
)

// Backends holds the connections and stores opened for one process.
type Backends struct {
	Pool  *pgxpool.Pool
	Redis redis.UniversalClient
	NATS  *nats.Conn

	Ledger        ledger.Ledger
	Archive       *db.LedgerRepo
	Collaborators ingest.Collaborators

	closers []io.Closer
}

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open connects every backend cfg selects. On error, anything already
// opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	b, err := OpenLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := b.openCollaborators(cfg, logger); err != nil {
		_ = b.Close()
		return nil, err
	}

	logger.Info("backends ready",
		"ledger", cfg.Ledger.Backend,
		"collaborators", cfg.Collaborators.Backend,
		"archive", b.Archive != nil,
		"redis", b.Redis != nil,
	)
	return b, nil
}

// OpenLedger connects the database and Redis when configured and opens the
// ledger, without collaborators. Operator tooling that only inspects the
// ledger uses it directly.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.Database.URL.IsSet() {
		if err := b.openPostgres(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	if cfg.Redis.URL.IsSet() {
		if err := b.openRedis(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if err := b.openLedger(cfg, logger); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backends) openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	url := cfg.Database.URL.Unmask()
	if cfg.Database.MigrateOnStart && cfg.IsLocal() {
		logger.Info("applying migrations", "source", cfg.Database.MigrationsPath)
		if err := db.MigrateUp(cfg.Database.MigrationsPath, url); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               url,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return err
	}
	b.Pool = pool
	b.closers = append(b.closers, closerFunc(func() error {
		pool.Close()
		return nil
	}))

	archive, err := db.NewLedgerRepo(pool, ledger.Options{LeaseTTL: cfg.Ledger.LeaseTTL}, logger.With("component", "ledger_repo"))
	if err != nil {
		return err
	}
	b.Archive = archive
	return nil
}

func (b *Backends) openRedis(ctx context.Context, cfg *config.Config) error {
	opts, err := redis.ParseURL(cfg.Redis.URL.Unmask())
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	b.Redis = client
	b.closers = append(b.closers, client)
	return nil
}

func (b *Backends) openLedger(cfg *config.Config, logger *slog.Logger) error {
	opts := ledger.Options{LeaseTTL: cfg.Ledger.LeaseTTL}

	switch cfg.Ledger.Backend {
	case config.LedgerMemory:
		b.Ledger = ledger.NewMemory(opts)
	case config.LedgerPostgres:
		if b.Archive == nil {
			return errors.New("ledger backend postgres requires DATABASE_URL")
		}
		b.Ledger = b.Archive
	case config.LedgerRedis:
		if b.Redis == nil {
			return errors.New("ledger backend redis requires REDIS_URL")
		}
		b.Ledger = ledger.NewRedis(b.Redis, ledger.RedisOptions{
			Options:   opts,
			Prefix:    cfg.Redis.KeyPrefix,
			Retention: cfg.Ledger.Retention,
		})
	case config.LedgerBolt:
		bl, err := ledger.OpenBolt(cfg.Ledger.BoltPath, opts)
		if err != nil {
			return err
		}
		b.Ledger = bl
		b.closers = append(b.closers, bl)
	default:
		return fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
	return nil
}

func (b *Backends) openCollaborators(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Collaborators.Backend {
	case config.CollaboratorPostgres:
		if b.Pool == nil {
			return errors.New("collaborator backend postgres requires DATABASE_URL")
		}
		b.Collaborators = db.NewAccountRepo(b.Pool, logger.With("component", "account_repo"))
	case config.CollaboratorNATS:
		conn, err := relay.Connect(cfg.Collaborators.NATSURL, cfg.Service, logger)
		if err != nil {
			return err
		}
		b.NATS = conn
		b.closers = append(b.closers, closerFunc(func() error {
			return conn.Drain()
		}))
		b.Collaborators = relay.NewNATSRelay(conn, relay.Config{
			SubjectPrefix: cfg.Collaborators.SubjectPrefix,
			Timeout:       cfg.Collaborators.RequestTimeout,
			Logger:        logger.With("component", "nats_relay"),
		})
	default:
		return fmt.Errorf("unknown collaborator backend %q", cfg.Collaborators.Backend)
	}
	return nil
}

// PayloadArchive returns the archive, or nil when no database is configured.
// The explicit nil keeps a nil *db.LedgerRepo out of the interface.
func (b *Backends) PayloadArchive() ingest.PayloadArchive {
	if b.Archive == nil {
		return nil
	}
	return b.Archive
}

// HealthProbes returns one probe per opened connection.
func (b *Backends) HealthProbes() []core.HealthProbe {
	var probes []core.HealthProbe
	if b.Pool != nil {
		probes = append(probes, core.ProbeFunc{ProbeName: "database", Fn: b.Pool.Ping})
	}
	if b.Redis != nil {
		probes = append(probes, core.ProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error {
			return b.Redis.Ping(ctx).Err()
		}})
	}
	if b.NATS != nil {
		probes = append(probes, core.ProbeFunc{ProbeName: "nats", Fn: func(context.Context) error {
			if !b.NATS.IsConnected() {
				return fmt.Errorf("nats status %s", b.NATS.Status())
			}
			return nil
		}})
	}
	return probes
}

// Closers returns the resources to release on shutdown, in opening order.
func (b *Backends) Closers() []io.Closer {
	return b.closers
}

// Close releases everything Open acquired. Every closer runs even if an
// earlier one fails.
func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// NewLogger creates a JSON slog.Logger on stdout for the given level name.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
