// Package main is the entry point for the paybridge API server.
//
// It loads configuration, opens the configured ledger and collaborator
// backends, builds the ingestion pipeline and serves the webhook, checkout,
// redirect and admin routes on the core chassis.
//
// With DISPATCH_MODE=async, verified and reserved events are published to
// SQS and completed by cmd/event-worker instead of being dispatched inline.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"paybridge/internal/api/handlers"
	"paybridge/internal/bootstrap"
	"paybridge/internal/checkout"
	"paybridge/internal/config"
	"paybridge/internal/core"
	"paybridge/internal/external"
	"paybridge/internal/ingest"
	"paybridge/internal/ledger"
	"paybridge/internal/queue"
)

// cloudWatchFlushInterval is how often buffered CloudWatch datums are sent.
const cloudWatchFlushInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := bootstrap.NewLogger(cfg.LogLevel)
	logger.Info("paybridge API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"dispatch_mode", cfg.Webhook.DispatchMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening backends: %w", err)
	}

	telemetry, err := bootstrap.NewTelemetry(ctx, cfg)
	if err != nil {
		_ = backends.Close()
		return fmt.Errorf("initializing metrics: %w", err)
	}

	var handoff ingest.Handoff
	if cfg.Webhook.DispatchMode == config.DispatchAsync {
		awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
		if err != nil {
			_ = backends.Close()
			return err
		}
		handoff = queue.NewEventPublisher(bootstrap.NewSQSClient(awsCfg, cfg), cfg.AWS.EventQueue, logger.With("component", "event_publisher"))
	}

	srv, err := newServer(cfg, logger, serverDeps{
		backends:  backends,
		telemetry: telemetry,
		clients:   external.NewClientRegistry(cfg, logger),
		handoff:   handoff,
	})
	if err != nil {
		_ = backends.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	if cfg.Ledger.PruneInterval > 0 {
		pruner := ledger.NewPruner(backends.Ledger, cfg.Ledger.Retention, logger.With("component", "ledger_pruner"))
		go pruner.Run(ctx, cfg.Ledger.PruneInterval)
	}
	if telemetry.CloudWatch != nil {
		go telemetry.CloudWatch.Run(ctx, cloudWatchFlushInterval)
	}

	return runHTTPServer(ctx, srv, cfg, logger)
}

// serverDeps are the process-level dependencies newServer wires into routes.
type serverDeps struct {
	backends  *bootstrap.Backends
	telemetry *bootstrap.Telemetry
	clients   *external.ClientRegistry
	handoff   ingest.Handoff
}

// newServer builds the chassis and mounts every route group.
func newServer(cfg *config.Config, logger *slog.Logger, d serverDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	srv.Metrics = d.telemetry.Recorder
	srv.MetricsHandler = d.telemetry.Handler

	if cfg.Auth.JWTSecret.IsSet() {
		auth, err := core.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if err != nil {
			return nil, err
		}
		srv.Authenticator = auth
	} else {
		logger.Warn("AUTH_JWT_SECRET not set; checkout routes will reject every request")
	}

	if d.backends.Redis != nil {
		srv.RateLimitStore = core.NewRedisRateLimitStore(d.backends.Redis, cfg.Service+":")
	} else {
		srv.RateLimitStore = core.NewMemoryRateLimitStore()
	}

	pipeline, err := bootstrap.NewPipeline(cfg, d.backends, bootstrap.PipelineOptions{
		Periods:  d.clients.Subscriptions,
		Handoff:  d.handoff,
		Recorder: d.telemetry.Recorder,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	webhookHandler := handlers.NewWebhookHandler(pipeline, logger.With("handler", "webhook")).
		WithRecorder(d.telemetry.Recorder)

	checkoutHandler := handlers.NewCheckoutHandler(
		checkout.NewService(d.clients.Checkout, checkout.Config{
			BaseURL: cfg.Server.BaseURL,
			Logger:  logger.With("component", "checkout"),
		}),
		srv.Validator,
		logger.With("handler", "checkout"),
	)

	redirectHandler, err := handlers.NewRedirectHandler(cfg.Server.BaseURL, cfg.RedirectURL(), logger.With("handler", "redirect"))
	if err != nil {
		return nil, fmt.Errorf("building redirect handler: %w", err)
	}

	srv.RouteRegistrars = append(srv.RouteRegistrars,
		webhookHandler.RegisterRoutes,
		redirectHandler.RegisterRoutes,
		func(r chi.Router) {
			checkoutHandler.RegisterRoutes(r,
				srv.RequireUser,
				srv.RateLimit("checkout", cfg.Server.CheckoutRateLimit, cfg.Server.CheckoutRateWindow),
			)
		},
	)

	if cfg.Auth.AdminKeyHash.IsSet() {
		adminHandler := handlers.NewAdminHandler(d.backends.Ledger, logger.With("handler", "admin"))
		srv.RouteRegistrars = append(srv.RouteRegistrars, func(r chi.Router) {
			adminHandler.RegisterRoutes(r, srv.RequireAdminKey(cfg.Auth.AdminKeyHash))
		})
	} else {
		logger.Info("ADMIN_KEY_HASH not set; admin routes disabled")
	}

	srv.HealthProbes = append(srv.HealthProbes, d.backends.HealthProbes()...)
	srv.Closers = append(srv.Closers, d.backends)

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer serves until ctx is canceled, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Release backend connections after in-flight requests drain.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
