package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/profile"
	"github.com/psaab/wgguard/pkg/session"
)

// Config configures the API server.
type Config struct {
	Addr       string
	APIKeys    []string // empty = no authentication
	Controller *session.Controller
	Store      *profile.Store
	Log        *logging.StatusLog
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	ctrl       *session.Controller
	store      *profile.Store
	log        *logging.StatusLog
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		ctrl:      cfg.Controller,
		store:     cfg.Store,
		log:       cfg.Log,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/profiles", s.profilesHandler)
	mux.HandleFunc("GET /api/v1/profiles/{name}", s.profileHandler)
	mux.HandleFunc("GET /api/v1/log", s.logHandler)

	// Mutations
	mux.HandleFunc("POST /api/v1/profiles/{name}/toggle", s.toggleHandler)
	mux.HandleFunc("POST /api/v1/profiles/{name}/killswitch", s.killSwitchHandler)
	mux.HandleFunc("POST /api/v1/reconcile", s.reconcileHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/log/stream", s.logStreamHandler)

	var handler http.Handler = mux
	if len(cfg.APIKeys) > 0 {
		handler = authMiddleware(newAuthConfig(cfg.APIKeys), mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
