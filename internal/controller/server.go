// Package controller wires the run API handlers into an HTTP server.
package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"deplay/internal/controller/handlers"
	"deplay/internal/controller/middleware"
)

// Options configures the middleware in front of the handlers.
type Options struct {
	CORSOrigins []string
	// SubmitRate is submissions per second per client IP. Zero means unlimited.
	SubmitRate  float64
	SubmitBurst int
	// ShutdownTimeout bounds the graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration
}

// Server is the HTTP server for the run API.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
}

// New creates a new server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		shutdownTimeout: opts.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     NewHandler(h, opts),
			ReadTimeout: 10 * time.Second,
			// Log streams clear this deadline for themselves.
			WriteTimeout: 10 * time.Second,
		},
	}
}

// NewHandler returns the routed and wrapped API handler.
func NewHandler(h *handlers.Handlers, opts Options) http.Handler {
	limit := middleware.NewRateLimiter(middleware.WithRate(opts.SubmitRate, opts.SubmitBurst)).Middleware()
	submit := limit(http.HandlerFunc(h.SubmitRun))

	mux := http.NewServeMux()

	mux.Handle("POST /run", submit)
	mux.Handle("POST /runs", submit)
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)

	mux.HandleFunc("GET /logs/{id}", h.StreamLogs)
	mux.HandleFunc("GET /runs/{id}/logs", h.StreamLogs)
	mux.HandleFunc("GET /analysis/{id}", h.GetAnalysis)
	mux.HandleFunc("GET /runs/{id}/analysis", h.GetAnalysis)

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)

	return middleware.RequestID(middleware.CORS(opts.CORSOrigins)(mux))
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		err := s.Shutdown(shutDownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			// Log streams of runs that are still finishing keep their
			// connections busy; cut them off.
			return s.httpServer.Close()
		}
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
