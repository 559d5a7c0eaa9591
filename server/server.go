// Package server exposes the daemon's HTTP control API. Paths under
// /api/central/ are stable; external tooling depends on them.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central"
	"github.com/zubinjha/Zubot/errors"
)

// Server is the HTTP control surface over a central service
type Server struct {
	svc      *central.Service
	logger   *zap.SugaredLogger
	http     *http.Server
	upgrader websocket.Upgrader
}

// New creates a server bound to host:port
func New(svc *central.Service, host string, port int, logger *zap.SugaredLogger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
	}
	return s
}

// Routes builds the API mux
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/central/status", s.handleStatus)
	mux.HandleFunc("/api/central/start", s.handleStart)
	mux.HandleFunc("/api/central/stop", s.handleStop)
	mux.HandleFunc("/api/central/metrics", s.handleMetrics)

	mux.HandleFunc("/api/central/tasks", s.handleTasks)
	mux.HandleFunc("/api/central/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/central/schedules", s.handleSchedules)
	mux.HandleFunc("/api/central/schedules/", s.handleScheduleByID)

	mux.HandleFunc("/api/central/runs", s.handleRuns)
	mux.HandleFunc("/api/central/runs/waiting", s.handleWaitingRuns)
	mux.HandleFunc("/api/central/runs/", s.handleRunAction)
	mux.HandleFunc("/api/central/trigger/", s.handleTrigger)
	mux.HandleFunc("/api/central/agentic/enqueue", s.handleAgenticEnqueue)

	mux.HandleFunc("/api/central/sql", s.handleSQL)
	mux.HandleFunc("/api/central/task-state/upsert", s.handleTaskStateUpsert)
	mux.HandleFunc("/api/central/task-state/get", s.handleTaskStateGet)
	mux.HandleFunc("/api/central/task-seen/mark", s.handleTaskSeenMark)
	mux.HandleFunc("/api/central/task-seen/has", s.handleTaskSeenHas)

	mux.HandleFunc("/api/central/events", s.handleEvents)
	mux.HandleFunc("/api/central/providers", s.handleProviders)

	return mux
}

// ListenAndServe blocks serving the API until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Infow("Control API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "control API server failed")
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		status = http.StatusBadRequest
	case errors.IsConflictError(err):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrReadOnlyViolation):
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewInvalidRequestError("bad request body: %v", err)
	}
	return nil
}
