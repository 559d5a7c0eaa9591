// Package store owns the central scheduler schema and its typed data access.
// All timestamps are persisted as RFC3339 UTC strings.
package store

import (
	"encoding/json"
	"time"
)

// TaskKind identifies how a task profile is executed
type TaskKind string

const (
	KindScript             TaskKind = "script"
	KindAgentic            TaskKind = "agentic"
	KindInteractiveWrapper TaskKind = "interactive_wrapper"
)

// Valid reports whether the kind is one of the supported values
func (k TaskKind) Valid() bool {
	switch k {
	case KindScript, KindAgentic, KindInteractiveWrapper:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunWaitingForUser RunStatus = "waiting_for_user"
	RunDone           RunStatus = "done"
	RunFailed         RunStatus = "failed"
	RunBlocked        RunStatus = "blocked"
)

// Terminal reports whether the status ends the run's lifecycle
func (s RunStatus) Terminal() bool {
	switch s {
	case RunDone, RunFailed, RunBlocked:
		return true
	}
	return false
}

// Live reports whether the run still occupies the task's no-overlap slot
func (s RunStatus) Live() bool {
	switch s {
	case RunQueued, RunRunning, RunWaitingForUser:
		return true
	}
	return false
}

// ScheduleMode selects how fire instants are computed
type ScheduleMode string

const (
	ModeFrequency ScheduleMode = "frequency"
	ModeCalendar  ScheduleMode = "calendar"
)

// MisfirePolicy controls how missed fire instants are handled
type MisfirePolicy string

const (
	MisfireQueueAll    MisfirePolicy = "queue_all"
	MisfireQueueLatest MisfirePolicy = "queue_latest"
	MisfireSkip        MisfirePolicy = "skip"
)

// RunTrigger records what caused a run to be enqueued
type RunTrigger string

const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerManual   RunTrigger = "manual"
	TriggerAgentic  RunTrigger = "agentic"
)

// Error markers written into Run.Error on involuntary termination
const (
	ErrorMarkerTimeout        = "timeout"
	ErrorMarkerKilled         = "killed"
	ErrorMarkerWaitingTimeout = "waiting_for_user_timeout"
)

// TaskProfile declares an executable task
type TaskProfile struct {
	TaskID      string          `json:"task_id"`
	Name        string          `json:"name"`
	Kind        TaskKind        `json:"kind"`
	Entrypoint  string          `json:"entrypoint"`
	QueueGroup  string          `json:"queue_group"`
	TimeoutSec  int             `json:"timeout_sec"`
	RetryPolicy json.RawMessage `json:"retry_policy"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunTime is one calendar fire time in a schedule's timezone
type RunTime struct {
	TimeOfDay string `json:"time_of_day"` // "HH:MM"
	Timezone  string `json:"timezone"`    // IANA name, e.g. "America/New_York"
}

// Schedule is a recurring binding of a task profile.
// NextRunAt and LastPlannedRunAt form the scheduler cursor.
type Schedule struct {
	ScheduleID          string        `json:"schedule_id"`
	ProfileID           string        `json:"profile_id"`
	Enabled             bool          `json:"enabled"`
	Mode                ScheduleMode  `json:"mode"`
	RunFrequencyMinutes *int          `json:"run_frequency_minutes,omitempty"`
	MisfirePolicy       MisfirePolicy `json:"misfire_policy"`
	ExecutionOrder      int           `json:"execution_order"`
	NextRunAt           *time.Time    `json:"next_run_at,omitempty"`
	LastPlannedRunAt    *time.Time    `json:"last_planned_run_at,omitempty"`
	LastRunAt           *time.Time    `json:"last_run_at,omitempty"`
	LastRunStatus       string        `json:"last_run_status,omitempty"`
	LastRunSummary      string        `json:"last_run_summary,omitempty"`
	RunTimes            []RunTime     `json:"run_times,omitempty"`
	DaysOfWeek          []string      `json:"days_of_week,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Run is the active lifecycle record of one execution
type Run struct {
	RunID            string          `json:"run_id"`
	ScheduleID       *string         `json:"schedule_id,omitempty"`
	ProfileID        string          `json:"profile_id"`
	Status           RunStatus       `json:"status"`
	Trigger          RunTrigger      `json:"trigger"`
	PlannedFireAt    *time.Time      `json:"planned_fire_at,omitempty"`
	QueuedAt         time.Time       `json:"queued_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	WaitingExpiresAt *time.Time      `json:"waiting_expires_at,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	Error            string          `json:"error,omitempty"`
	PayloadJSON      json.RawMessage `json:"payload_json,omitempty"`
}

// HistoryEntry is the terminal snapshot of a run
type HistoryEntry struct {
	RunID         string          `json:"run_id"`
	ScheduleID    *string         `json:"schedule_id,omitempty"`
	ProfileID     string          `json:"profile_id"`
	Status        RunStatus       `json:"status"`
	Trigger       RunTrigger      `json:"trigger"`
	PlannedFireAt *time.Time      `json:"planned_fire_at,omitempty"`
	QueuedAt      time.Time       `json:"queued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	Error         string          `json:"error,omitempty"`
	PayloadJSON   json.RawMessage `json:"payload_json,omitempty"`
	ArchivedAt    time.Time       `json:"archived_at"`
}

// SeenItem is one row in the idempotency ledger
type SeenItem struct {
	TaskID       string          `json:"task_id"`
	Provider     string          `json:"provider"`
	ItemKey      string          `json:"item_key"`
	FirstSeenAt  time.Time       `json:"first_seen_at"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	SeenCount    int             `json:"seen_count"`
	MetadataJSON json.RawMessage `json:"metadata_json,omitempty"`
}

// TaskState is one per-task checkpoint value
type TaskState struct {
	TaskID    string    `json:"task_id"`
	StateKey  string    `json:"state_key"`
	ValueJSON string    `json:"value_json"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// HeartbeatState is the scheduler's singleton tick record
type HeartbeatState struct {
	LastStartedAt     *time.Time `json:"last_heartbeat_started_at,omitempty"`
	LastFinishedAt    *time.Time `json:"last_heartbeat_finished_at,omitempty"`
	LastStatus        string     `json:"last_heartbeat_status,omitempty"`
	LastError         string     `json:"last_heartbeat_error,omitempty"`
	LastEnqueuedCount int        `json:"last_enqueued_count"`
	TicksTotal        int64      `json:"ticks_total"`
}

// EventLayer distinguishes raw transcript events from summary snapshots
type EventLayer string

const (
	LayerRaw     EventLayer = "raw"
	LayerSummary EventLayer = "summary"
)

// DayEvent is one append-only day-memory entry
type DayEvent struct {
	EventID   string     `json:"event_id"`
	Day       string     `json:"day"` // "YYYY-MM-DD"
	EventTime time.Time  `json:"event_time"`
	SessionID string     `json:"session_id,omitempty"`
	Kind      string     `json:"kind"`
	Text      string     `json:"text"`
	Layer     EventLayer `json:"layer"`
}

// DayStatus holds per-day summarization counters
type DayStatus struct {
	Day                      string     `json:"day"`
	TotalMessages            int        `json:"total_messages"`
	LastSummarizedTotal      int        `json:"last_summarized_total"`
	MessagesSinceLastSummary int        `json:"messages_since_last_summary"`
	SummariesCount           int        `json:"summaries_count"`
	IsFinalized              bool       `json:"is_finalized"`
	LastEventAt              *time.Time `json:"last_event_at,omitempty"`
	LastSummaryAt            *time.Time `json:"last_summary_at,omitempty"`
}

// SummaryJobStatus is the lifecycle state of a summary job
type SummaryJobStatus string

const (
	SummaryJobQueued  SummaryJobStatus = "queued"
	SummaryJobRunning SummaryJobStatus = "running"
	SummaryJobDone    SummaryJobStatus = "done"
	SummaryJobFailed  SummaryJobStatus = "failed"
)

// SummaryJob is one unit of per-day summarization work
type SummaryJob struct {
	JobID        int64            `json:"job_id"`
	Day          string           `json:"day"`
	Status       SummaryJobStatus `json:"status"`
	Reason       string           `json:"reason"`
	AttemptCount int              `json:"attempt_count"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DaySummary is the materialized narrative summary of one day
type DaySummary struct {
	Day         string    `json:"day"`
	SummaryText string    `json:"summary_text"`
	EntryCount  int       `json:"entry_count"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QueueMetrics is a snapshot of run-queue pressure
type QueueMetrics struct {
	QueuedCount          int        `json:"queued_count"`
	RunningCount         int        `json:"running_count"`
	WaitingCount         int        `json:"waiting_count"`
	OldestQueuedAt       *time.Time `json:"oldest_queued_at,omitempty"`
	LongestRunningSince  *time.Time `json:"longest_running_since,omitempty"`
}
