// Package controller serves the broker's operator HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"deployplane/internal/controller/handlers"
	"deployplane/internal/controller/middleware"
	"deployplane/internal/store"
)

// Config holds the HTTP-facing settings.
type Config struct {
	Addr      string
	APIToken  string
	RateLimit float64
	RateBurst int
}

// Server is the HTTP server for the operator API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server. ctx bounds deployments triggered
// over HTTP.
func New(ctx context.Context, cfg Config, st store.Store, b handlers.JobBroker, sched handlers.Scheduler, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := handlers.New(ctx, st, b, sched, logger)
	authMW := middleware.RequireToken(cfg.APIToken)
	rateMW := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst).Middleware()
	protect := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()

	// Probes
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	// Operator apis
	mux.Handle("POST /deployments", protect(h.CreateDeployment))
	mux.Handle("GET /deployments", protect(h.ListDeployments))
	mux.Handle("POST /jobs", protect(h.SubmitJob))
	mux.Handle("GET /jobs", protect(h.ListJobs))
	mux.Handle("GET /jobs/{id}", protect(h.GetJob))
	mux.Handle("GET /workers", protect(h.ListWorkers))

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      middleware.RequestID(middleware.AccessLog(logger)(mux)),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
