// Package core provides the HTTP chassis for paybridge. It builds the chi
// router, owns the global middleware chain, and exposes the helpers handlers
// use for JSON responses, request decoding, validation and authentication.
// Domain handlers register themselves through RouteRegistrars so core does
// not import them.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paybridge/internal/config"
)

// MetricsCollector records HTTP request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes on the root router.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP layer. Optional fields left nil
// disable the corresponding middleware.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	Metrics        MetricsCollector
	MetricsHandler http.Handler // served on /metrics when set
	Authenticator  Authenticator
	RateLimitStore RateLimitStore
	HealthProbes   []HealthProbe

	RouteRegistrars []RouteRegistrar

	// Closers are closed in order on Shutdown.
	Closers []io.Closer

	router *chi.Mux
}

// NewServer validates the required dependencies and prepares an empty router.
// Callers set optional fields and then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases the resources registered in Closers. Every closer runs
// even if an earlier one fails.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var errs []error
	for _, c := range s.Closers {
		if err := c.Close(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing server resources: %w", err)
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
