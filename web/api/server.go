// Package api serves run status as JSON and streams pool events over SSE.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/observer"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
	"github.com/hochfrequenz/backlog-orch/internal/taskstore"
)

// Backlog is the read side of the task graph
type Backlog interface {
	Snapshot() *domain.Backlog
	Counts() map[domain.TaskStatus]int
	Task(id string) (domain.Task, error)
}

// History is the read side of the audit store
type History interface {
	Attempts(taskID string) ([]*domain.VerificationResult, error)
	Notes(taskID string) ([]taskstore.Note, error)
	DriftAlerts(taskID string) ([]taskstore.DriftAlert, error)
	RecentRuns(limit int) ([]taskstore.Run, error)
}

// Server is the HTTP API server
type Server struct {
	backlog  Backlog
	history  History
	observer *observer.Observer
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
	logger   *zap.Logger
}

// NewServer creates a new API server. history and obs may be nil.
func NewServer(backlog Backlog, history History, obs *observer.Observer, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backlog:  backlog,
		history:  history,
		observer: obs,
		addr:     addr,
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
		logger:   logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("/api/tasks/{id...}", s.getTaskHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub
func (s *Server) Hub() *SSEHub {
	return s.sseHub
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.sseHub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening", zap.String("addr", s.addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	// Closing the hub ends open event streams so Shutdown does not wait on them
	cancel()
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	if !s.sseHub.Broadcast(event) {
		s.logger.Debug("event dropped", zap.String("type", event.Type))
	}
}

// PoolEvents forwards pool events to SSE clients
func (s *Server) PoolEvents() scheduler.EventHandler {
	return func(e scheduler.Event) {
		s.Broadcast(SSEEvent{Type: string(e.Type), Data: e})
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
