// Package api provides HTTP handlers and the main API server logic for DialPilot.
//
// It exposes RESTful endpoints for launching calls against an IVR endpoint and
// for retrieving stored call reports, transition coverage, and per-report
// transition diagrams. The API integrates with the flow and store modules.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BTreeMap/DialPilot/internal/models"
	"github.com/BTreeMap/DialPilot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown once the run context ends.
const DefaultShutdownTimeout = 5 * time.Second

// CallRunner drives one complete session against an IVR endpoint and returns
// its report. The production runner assembles a fresh driver per call; tests
// substitute a mock.
type CallRunner interface {
	RunCall(ctx context.Context, req models.CallRequest) (*models.CallReport, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address. Falls back to DIALPILOT_API_ADDR, then
	// DefaultAddr.
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address explicitly.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server bundles the dependencies behind the HTTP handlers.
type Server struct {
	runner CallRunner
	st     store.Store
	addr   string
}

// NewServer creates an API server over the given call runner and report store.
func NewServer(runner CallRunner, st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = os.Getenv("DIALPILOT_API_ADDR")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{runner: runner, st: st, addr: cfg.Addr}
}

// Handler returns the routed HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/calls", s.callsHandler)
	mux.HandleFunc("/reports", s.reportsHandler)
	mux.HandleFunc("/reports/", s.reportHandler)
	mux.HandleFunc("/transitions", s.transitionsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled or the
// listener fails. Cancellation triggers a bounded graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("Server running", "addr", s.addr)

	select {
	case <-ctx.Done():
		slog.Info("Server shutting down", "addr", s.addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		slog.Error("Server listener failed", "addr", s.addr, "error", err)
		return err
	}
}
