// Package server exposes the HTTP API: webhook intake, polling control,
// review statistics and exports, settings, health, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/ingest"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

// TaskEngine is the scheduling surface the API needs. Implemented by the
// engine; swapped for a fake in tests.
type TaskEngine interface {
	Submit(ctx context.Context, task *store.Task) error
	Cancel(ctx context.Context, taskID string) error
	QueueDepth() int
	WorkersBusy() int
}

// PollControl is the poller surface exposed through the API.
type PollControl interface {
	Start() error
	Stop() error
	Running() bool
	Status() []ingest.RepoPollStatus
	TriggerNow(ctx context.Context, repoID string, strategy store.Strategy) (*store.Task, error)
}

// Options wires the server's collaborators.
type Options struct {
	Config  func() *config.Config
	Store   *store.Store
	Webhook *ingest.Webhook
	Poller  PollControl
	Engine  TaskEngine
	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the single HTTP endpoint of the daemon.
type Server struct {
	cfg     func() *config.Config
	st      *store.Store
	webhook *ingest.Webhook
	poller  PollControl
	engine  TaskEngine
	metrics http.Handler
	log     *slog.Logger

	httpServer *http.Server
	startTime  time.Time
}

// New constructs the server. Call Start to begin serving.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:       opts.Config,
		st:        opts.Store,
		webhook:   opts.Webhook,
		poller:    opts.Poller,
		engine:    opts.Engine,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		startTime: time.Now(),
	}
}

// Routes builds the request mux. Exposed so tests can drive handlers
// without binding a port.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /webhook/{platform}", s.handleWebhook)

	mux.HandleFunc("POST /polling/start", s.handlePollingStart)
	mux.HandleFunc("POST /polling/stop", s.handlePollingStop)
	mux.HandleFunc("GET /polling/status", s.handlePollingStatus)
	mux.HandleFunc("GET /polling/repos", s.handlePollingRepos)
	mux.HandleFunc("POST /polling/repos/{repo_id}/trigger", s.handlePollingTrigger)

	mux.HandleFunc("GET /stats/reviews", s.handleReviewStats)
	mux.HandleFunc("GET /stats/review/{task_id}", s.handleReviewGet)
	mux.HandleFunc("GET /stats/review/{task_id}/full", s.handleReviewFull)
	mux.HandleFunc("GET /stats/review/{task_id}/export", s.handleReviewExport)
	mux.HandleFunc("POST /stats/review/{task_id}/cancel", s.handleReviewCancel)
	mux.HandleFunc("DELETE /stats/review/{task_id}", s.handleReviewDelete)

	mux.HandleFunc("GET /settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /settings", s.handleSettingsPut)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth) // Kubernetes-style alias

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start binds the configured address and serves until Stop. The listener is
// bound synchronously so startup failures surface immediately.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg().Server.Addr
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serr := s.httpServer.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.log.Error("http server error", "error", serr)
		}
	}()
	s.log.Info("http server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}
