package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"minewater/internal/config"
	"minewater/internal/infrastructure"
	"minewater/internal/middleware"
)

const defaultShutdownTimeout = 5 * time.Second

// RouterDeps are the collaborators of the status API router
type RouterDeps struct {
	License   LicenseService
	Health    HealthChecker
	Telemetry *infrastructure.OTelProviders
	Logger    *slog.Logger
}

// NewRouter builds the status API routes
func NewRouter(deps RouterDeps) (http.Handler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.LoopbackOnly(logger))
	if deps.Telemetry != nil {
		otelMW, err := middleware.NewOTelMiddleware(deps.Telemetry)
		if err != nil {
			return nil, err
		}
		r.Use(otelMW.Handler)
	}
	r.Use(chimiddleware.Timeout(30 * time.Second))

	health := NewHealthHandler(deps.Health)
	r.Get("/health", health.HealthCheck)
	r.Get("/version", health.Version)
	r.Mount("/license", NewLicenseHandler(deps.License, logger).Routes())
	if deps.Telemetry != nil && deps.Telemetry.PrometheusHTTP != nil {
		r.Handle("/metrics", deps.Telemetry.PrometheusHTTP)
	}

	return r, nil
}

// Server is the loopback status API server
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer creates a status API server listening on cfg.Listen
func NewServer(cfg config.StatusConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With(slog.String("component", "status_api")),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "Status API listening", slog.String("addr", ln.Addr().String()))
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status api: %w", err)
	}
	s.logger.InfoContext(ctx, "Status API stopped")
	return nil
}
