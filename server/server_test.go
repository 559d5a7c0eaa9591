package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central"
	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *central.Service) {
	t.Helper()

	cfg := &config.Config{
		SchedulerDBPath:       filepath.Join(t.TempDir(), "zubot_core.db"),
		DBQueueBusyTimeoutMs:  1000,
		DBQueueDefaultMaxRows: 100,
		TaskRunnerConcurrency: 1,
	}
	cfg.Runner.LogDir = filepath.Join(t.TempDir(), "logs")

	svc, err := central.NewService(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	svc.Gateway().Start()
	t.Cleanup(func() { svc.Close() })

	srv := New(svc, "127.0.0.1", 0, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, svc
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/central/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report central.StatusReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.False(t, report.Running)
	assert.Len(t, report.Slots, 1)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStartStopIdempotent(t *testing.T) {
	ts, svc := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/central/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, svc.Running())

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, svc.Running())
}

func TestTaskCRUD(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/tasks", map[string]interface{}{
		"task_id":    "fetch-mail",
		"name":       "Fetch mail",
		"kind":       "script",
		"entrypoint": "scripts/fetch_mail.sh",
		"enabled":    true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/central/tasks/fetch-mail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var profile store.TaskProfile
	require.NoError(t, json.Unmarshal(body, &profile))
	assert.Equal(t, store.KindScript, profile.Kind)
	assert.Equal(t, "scripts/fetch_mail.sh", profile.Entrypoint)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/central/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks []store.TaskProfile `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Tasks, 1)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/central/tasks/fetch-mail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/central/tasks/fetch-mail", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/central/tasks", map[string]interface{}{
		"task_id": "daily", "name": "Daily", "kind": "script",
		"entrypoint": "scripts/daily.sh", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/schedules", map[string]interface{}{
		"profile_id":     "daily",
		"enabled":        true,
		"mode":           "calendar",
		"misfire_policy": "queue_latest",
		"run_times":      []map[string]string{{"time_of_day": "09:00", "timezone": "America/New_York"}},
		"days_of_week":   []string{"mon", "wed", "fri"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created store.Schedule
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ScheduleID)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/central/schedules/"+created.ScheduleID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched store.Schedule
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, store.ModeCalendar, fetched.Mode)
	assert.Equal(t, store.MisfireQueueLatest, fetched.MisfirePolicy)
	assert.Equal(t, created.RunTimes, fetched.RunTimes)
	assert.Equal(t, []string{"fri", "mon", "wed"}, fetched.DaysOfWeek) // stored sorted

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/central/schedules/"+created.ScheduleID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTriggerEnforcesNoOverlap(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/central/tasks", map[string]interface{}{
		"task_id": "echo", "name": "Echo", "kind": "script",
		"entrypoint": "scripts/echo.sh", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/trigger/echo", map[string]string{"arg": "x"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var run store.Run
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, store.RunQueued, run.Status)
	assert.Equal(t, store.TriggerManual, run.Trigger)

	// Dispatcher is stopped, so the run stays queued and blocks a second trigger
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/trigger/echo", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/central/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs.Runs, 1)
}

func TestKillQueuedRunEndpoint(t *testing.T) {
	ts, svc := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/central/tasks", map[string]interface{}{
		"task_id": "echo", "name": "Echo", "kind": "script",
		"entrypoint": "scripts/echo.sh", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/trigger/echo", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run store.Run
	require.NoError(t, json.Unmarshal(body, &run))

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/runs/"+run.RunID+"/kill", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := svc.Store().ListRunHistory("echo", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.RunBlocked, entries[0].Status)
	assert.Equal(t, store.ErrorMarkerKilled, entries[0].Error)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/runs/"+run.RunID+"/kill", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "killing a gone run reports not found")
}

func TestAgenticEnqueue(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/agentic/enqueue", map[string]interface{}{
		"instructions": "review yesterday's failures",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var run store.Run
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, store.TriggerAgentic, run.Trigger)
	assert.Contains(t, string(run.PayloadJSON), "review yesterday's failures")

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/agentic/enqueue", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSQLEndpointReadOnlyDefault(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/sql", map[string]interface{}{
		"sql": "SELECT version FROM schema_migrations ORDER BY version",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result struct {
		Mode     string                   `json:"mode"`
		Rows     []map[string]interface{} `json:"rows"`
		RowCount int                      `json:"row_count"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "rows", result.Mode)
	assert.GreaterOrEqual(t, result.RowCount, 3)

	// Writes are rejected unless read_only is explicitly disabled
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/sql", map[string]interface{}{
		"sql": "DELETE FROM schema_migrations",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/central/sql", map[string]interface{}{
		"sql":       "INSERT INTO task_state_kv (task_id, state_key, value_json, updated_at) VALUES ('t','k','1','2026-01-01T00:00:00Z')",
		"read_only": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestTaskStateEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/central/task-state/upsert", map[string]interface{}{
		"task_id":    "mailer",
		"state_key":  "cursor",
		"value_json": map[string]interface{}{"last_id": 42},
		"updated_by": "mailer-run",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/task-state/get", map[string]string{
		"task_id": "mailer", "state_key": "cursor",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state store.TaskState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.JSONEq(t, `{"last_id":42}`, state.ValueJSON)
	assert.Equal(t, "mailer-run", state.UpdatedBy)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/central/task-state/get", map[string]string{
		"task_id": "mailer", "state_key": "nope",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskSeenEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	check := func(want bool) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/central/task-seen/has", map[string]string{
			"task_id": "mailer", "provider": "gmail", "item_key": "msg-1",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Seen bool `json:"seen"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, want, out.Seen)
	}

	check(false)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/central/task-seen/mark", map[string]interface{}{
		"task_id": "mailer", "provider": "gmail", "item_key": "msg-1",
		"metadata": map[string]string{"subject": "hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	check(true)
}

func TestEventsAndProvidersEndpoints(t *testing.T) {
	ts, svc := newTestServer(t)

	svc.Events().RecordRunEvent("run_queued", &store.Run{RunID: "r1", ProfileID: "echo"})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/central/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events struct {
		Events []central.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events.Events, 1)
	assert.Equal(t, "run_queued", events.Events[0].Event)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/central/providers", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
