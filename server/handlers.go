package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/zubinjha/Zubot/central/gateway"
	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/errors"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	report, err := s.svc.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.svc.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.svc.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	report, err := s.svc.Metrics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Task profile CRUD

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := s.svc.Store().ListProfiles()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": profiles})
	case http.MethodPost:
		var profile store.TaskProfile
		if err := decodeBody(r, &profile); err != nil {
			writeError(w, err)
			return
		}
		if err := s.svc.Store().CreateProfile(&profile); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, profile)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/central/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, errors.NewNotFoundError("unknown path: %s", r.URL.Path))
		return
	}

	switch r.Method {
	case http.MethodGet:
		profile, err := s.svc.Store().GetProfile(taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodPut:
		var profile store.TaskProfile
		if err := decodeBody(r, &profile); err != nil {
			writeError(w, err)
			return
		}
		profile.TaskID = taskID
		if err := s.svc.Store().UpdateProfile(&profile); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodDelete:
		if err := s.svc.Store().DeleteProfile(taskID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": taskID})
	default:
		methodNotAllowed(w)
	}
}

// Schedule CRUD

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := s.svc.Store().ListSchedules()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
	case http.MethodPost:
		var sch store.Schedule
		if err := decodeBody(r, &sch); err != nil {
			writeError(w, err)
			return
		}
		if err := s.svc.Store().CreateSchedule(&sch); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sch)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	scheduleID := strings.TrimPrefix(r.URL.Path, "/api/central/schedules/")
	if scheduleID == "" || strings.Contains(scheduleID, "/") {
		writeError(w, errors.NewNotFoundError("unknown path: %s", r.URL.Path))
		return
	}

	switch r.Method {
	case http.MethodGet:
		sch, err := s.svc.Store().GetSchedule(scheduleID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sch)
	case http.MethodPut:
		var sch store.Schedule
		if err := decodeBody(r, &sch); err != nil {
			writeError(w, err)
			return
		}
		sch.ScheduleID = scheduleID
		if err := s.svc.Store().UpdateSchedule(&sch); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sch)
	case http.MethodDelete:
		if err := s.svc.Store().DeleteSchedule(scheduleID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": scheduleID})
	default:
		methodNotAllowed(w)
	}
}

// Runs

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.svc.Store().ListActiveRuns(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleWaitingRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	runs, err := s.svc.Store().ListWaitingRuns()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleRunAction routes /api/central/runs/{run_id}/{kill|resume}
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/central/runs/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, errors.NewNotFoundError("unknown path: %s", r.URL.Path))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	runID, action := parts[0], parts[1]

	switch action {
	case "kill":
		if err := s.svc.Dispatcher().Kill(runID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"killed": runID})
	case "resume":
		var response json.RawMessage
		if r.Body != nil && r.ContentLength != 0 {
			if err := decodeBody(r, &response); err != nil {
				writeError(w, err)
				return
			}
		}
		if err := s.svc.Dispatcher().Resume(runID, response); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"resumed": runID})
	default:
		writeError(w, errors.NewNotFoundError("unknown run action: %s", action))
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/central/trigger/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, errors.NewNotFoundError("unknown path: %s", r.URL.Path))
		return
	}

	var payload json.RawMessage
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeBody(r, &payload); err != nil {
			writeError(w, err)
			return
		}
	}

	run, err := s.svc.Dispatcher().TriggerManual(taskID, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleAgenticEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Instructions string          `json:"instructions"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	run, err := s.svc.EnqueueAgentic(req.Instructions, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// SQL gateway

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		SQL      string        `json:"sql"`
		Params   []interface{} `json:"params,omitempty"`
		ReadOnly *bool         `json:"read_only,omitempty"`
		MaxRows  int           `json:"max_rows,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Writes must be requested explicitly
	readOnly := true
	if req.ReadOnly != nil {
		readOnly = *req.ReadOnly
	}

	result, err := s.svc.Gateway().Submit(r.Context(), &gateway.Request{
		SQL:      req.SQL,
		Params:   req.Params,
		ReadOnly: readOnly,
		MaxRows:  req.MaxRows,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Task state KV

func (s *Server) handleTaskStateUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		TaskID    string          `json:"task_id"`
		StateKey  string          `json:"state_key"`
		ValueJSON json.RawMessage `json:"value_json"`
		UpdatedBy string          `json:"updated_by,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Store().UpsertTaskState(req.TaskID, req.StateKey, string(req.ValueJSON), req.UpdatedBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTaskStateGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		TaskID   string `json:"task_id"`
		StateKey string `json:"state_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.svc.Store().GetTaskState(req.TaskID, req.StateKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Seen-item ledger

func (s *Server) handleTaskSeenMark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		TaskID   string          `json:"task_id"`
		Provider string          `json:"provider"`
		ItemKey  string          `json:"item_key"`
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Store().MarkSeenItem(req.TaskID, req.Provider, req.ItemKey, req.Metadata); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTaskSeenHas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		TaskID   string `json:"task_id"`
		Provider string `json:"provider"`
		ItemKey  string `json:"item_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	seen, err := s.svc.Store().HasSeenItem(req.TaskID, req.Provider, req.ItemKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"seen": seen})
}

// Observability extras

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.svc.Providers().GetStats()})
}

// handleEvents serves recent lifecycle events, or streams them live when the
// client requests a websocket upgrade
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.streamEvents(w, r)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.svc.Events().Recent(limit)})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.svc.Events().Subscribe()
	defer cancel()

	// Reader goroutine detects client close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range s.svc.Events().Recent(50) {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
