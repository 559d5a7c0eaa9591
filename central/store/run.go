package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/zubinjha/Zubot/errors"
)

// EnqueueRun inserts a manual or agentic run, enforcing the no-overlap rule
// for the profile inside the insert transaction.
func (s *Store) EnqueueRun(run *Run) error {
	if run.ProfileID == "" {
		return errors.NewInvalidRequestError("profile_id is required")
	}
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunQueued
	}
	if run.Trigger == "" {
		run.Trigger = TriggerManual
	}
	if run.QueuedAt.IsZero() {
		run.QueuedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var live int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE profile_id = ? AND status IN ('queued', 'running', 'waiting_for_user')
	`, run.ProfileID).Scan(&live)
	if err != nil {
		return errors.Wrap(err, "failed to check live runs")
	}
	if live > 0 {
		return errors.Wrapf(errors.ErrConflict, "task %s already has a live run", run.ProfileID)
	}

	_, err = tx.Exec(`
		INSERT INTO runs (
			run_id, schedule_id, profile_id, status, trigger,
			planned_fire_at, queued_at, payload_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID,
		nullStrPtr(run.ScheduleID),
		run.ProfileID,
		string(run.Status),
		string(run.Trigger),
		fmtTimePtr(run.PlannedFireAt),
		fmtTime(run.QueuedAt),
		string(orEmptyJSON(run.PayloadJSON)),
	)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue run")
	}

	return errors.Wrap(tx.Commit(), "failed to commit run enqueue")
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(runSelect+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run not found: %s", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}
	return run, nil
}

// HasLiveRun reports whether the profile currently occupies its overlap slot
func (s *Store) HasLiveRun(profileID string) (bool, error) {
	var live int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE profile_id = ? AND status IN ('queued', 'running', 'waiting_for_user')
	`, profileID).Scan(&live)
	if err != nil {
		return false, errors.Wrap(err, "failed to check live runs")
	}
	return live > 0, nil
}

// ClaimNextQueuedRun atomically transitions the oldest queued run to
// running. Returns nil when the queue is empty. Claims are pure FIFO by
// queued_at; execution_order only shapes enqueue order.
func (s *Store) ClaimNextQueuedRun() (*Run, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRow(runSelect + `
		WHERE status = 'queued'
		ORDER BY queued_at, run_id
		LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select queued run")
	}

	startedAt := time.Now().UTC()
	result, err := tx.Exec(`
		UPDATE runs SET status = 'running', started_at = ?
		WHERE run_id = ? AND status = 'queued'
	`, fmtTime(startedAt), run.RunID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim run")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		// Someone else transitioned it between select and update
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	run.Status = RunRunning
	run.StartedAt = &startedAt
	return run, nil
}

// RequeueRun returns a claimed run to the queue untouched. Used when the
// post-claim overlap recheck loses a race against a manual trigger.
func (s *Store) RequeueRun(runID string) error {
	result, err := s.db.Exec(`
		UPDATE runs SET status = 'queued', started_at = NULL
		WHERE run_id = ? AND status = 'running'
	`, runID)
	if err != nil {
		return errors.Wrap(err, "failed to requeue run")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("running run not found: %s", runID)
	}
	return nil
}

// MarkWaiting parks a running run in waiting_for_user with its contract
// payload and expiry deadline.
func (s *Store) MarkWaiting(runID string, payload json.RawMessage, expiresAt *time.Time) error {
	result, err := s.db.Exec(`
		UPDATE runs
		SET status = 'waiting_for_user', payload_json = ?, waiting_expires_at = ?
		WHERE run_id = ? AND status = 'running'
	`, string(orEmptyJSON(payload)), fmtTimePtr(expiresAt), runID)
	if err != nil {
		return errors.Wrap(err, "failed to mark run waiting")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("running run not found: %s", runID)
	}
	return nil
}

// ResumeRun requeues a waiting run with the user response merged into its
// payload. The run keeps its original queued_at so it claims promptly.
func (s *Store) ResumeRun(runID string, payload json.RawMessage) error {
	result, err := s.db.Exec(`
		UPDATE runs
		SET status = 'queued', started_at = NULL, waiting_expires_at = NULL, payload_json = ?
		WHERE run_id = ? AND status = 'waiting_for_user'
	`, string(orEmptyJSON(payload)), runID)
	if err != nil {
		return errors.Wrap(err, "failed to resume run")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("waiting run not found: %s", runID)
	}
	return nil
}

// FinalizeRun applies a terminal status, archives the snapshot to history,
// removes the queue row, and stamps the parent schedule's last-run metadata,
// all in one transaction. Returns the archived snapshot.
func (s *Store) FinalizeRun(runID string, status RunStatus, summary, errMsg string) (*Run, error) {
	if !status.Terminal() {
		return nil, errors.NewInvalidRequestError("status %s is not terminal", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRow(runSelect+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run not found: %s", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load run for finalize")
	}

	finishedAt := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &finishedAt
	run.Summary = summary
	run.Error = errMsg

	_, err = tx.Exec(`
		INSERT INTO run_history (
			run_id, schedule_id, profile_id, status, trigger, planned_fire_at,
			queued_at, started_at, finished_at, summary, error, payload_json, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID,
		nullStrPtr(run.ScheduleID),
		run.ProfileID,
		string(run.Status),
		string(run.Trigger),
		fmtTimePtr(run.PlannedFireAt),
		fmtTime(run.QueuedAt),
		fmtTimePtr(run.StartedAt),
		fmtTime(finishedAt),
		nullStr(summary),
		nullStr(errMsg),
		string(orEmptyJSON(run.PayloadJSON)),
		fmtTime(finishedAt),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to archive run")
	}

	if _, err := tx.Exec(`DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return nil, errors.Wrap(err, "failed to remove finalized run")
	}

	if run.ScheduleID != nil {
		_, err = tx.Exec(`
			UPDATE schedules
			SET last_run_at = ?, last_run_status = ?, last_run_summary = ?, updated_at = ?
			WHERE schedule_id = ?
		`, fmtTime(finishedAt), string(status), summary, fmtTime(finishedAt), *run.ScheduleID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to stamp schedule last run")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit finalize")
	}
	return run, nil
}

// ListActiveRuns returns live runs oldest first
func (s *Store) ListActiveRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(runSelect+`
		WHERE status IN ('queued', 'running', 'waiting_for_user')
		ORDER BY queued_at, run_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active runs")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListActiveRunsByProfile returns the profile's live runs
func (s *Store) ListActiveRunsByProfile(profileID string) ([]*Run, error) {
	rows, err := s.db.Query(runSelect+`
		WHERE profile_id = ? AND status IN ('queued', 'running', 'waiting_for_user')
		ORDER BY queued_at, run_id
	`, profileID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active runs by profile")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListWaitingRuns returns runs parked on user input
func (s *Store) ListWaitingRuns() ([]*Run, error) {
	rows, err := s.db.Query(runSelect + `
		WHERE status = 'waiting_for_user'
		ORDER BY queued_at, run_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list waiting runs")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListExpiredWaitingRuns returns waiting runs whose contract deadline has
// passed; the caller finalizes each through the normal terminal path.
func (s *Store) ListExpiredWaitingRuns(now time.Time) ([]*Run, error) {
	rows, err := s.db.Query(runSelect+`
		WHERE status = 'waiting_for_user'
		  AND waiting_expires_at IS NOT NULL
		  AND waiting_expires_at <= ?
		ORDER BY waiting_expires_at
	`, fmtTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired waiting runs")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Metrics returns a snapshot of run-queue pressure
func (s *Store) Metrics() (*QueueMetrics, error) {
	m := &QueueMetrics{}

	rows, err := s.db.Query(`
		SELECT status, COUNT(*), MIN(queued_at), MIN(started_at)
		FROM runs
		WHERE status IN ('queued', 'running', 'waiting_for_user')
		GROUP BY status
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue metrics")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		var minQueued, minStarted sql.NullString
		if err := rows.Scan(&status, &count, &minQueued, &minStarted); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue metrics")
		}
		switch RunStatus(status) {
		case RunQueued:
			m.QueuedCount = count
			if m.OldestQueuedAt, err = parseTimePtr(minQueued); err != nil {
				return nil, err
			}
		case RunRunning:
			m.RunningCount = count
			if m.LongestRunningSince, err = parseTimePtr(minStarted); err != nil {
				return nil, err
			}
		case RunWaitingForUser:
			m.WaitingCount = count
		}
	}
	return m, errors.Wrap(rows.Err(), "error iterating queue metrics")
}

const runSelect = `
	SELECT run_id, schedule_id, profile_id, status, trigger, planned_fire_at,
	       queued_at, started_at, finished_at, waiting_expires_at,
	       summary, error, payload_json
	FROM runs
`

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, trigger, queuedAt, payload string
	var scheduleID, plannedFireAt, startedAt, finishedAt, waitingExpires, summary, errMsg sql.NullString

	err := row.Scan(
		&run.RunID,
		&scheduleID,
		&run.ProfileID,
		&status,
		&trigger,
		&plannedFireAt,
		&queuedAt,
		&startedAt,
		&finishedAt,
		&waitingExpires,
		&summary,
		&errMsg,
		&payload,
	)
	if err != nil {
		return nil, err
	}

	run.ScheduleID = strPtr(scheduleID)
	run.Status = RunStatus(status)
	run.Trigger = RunTrigger(trigger)
	if run.PlannedFireAt, err = parseTimePtr(plannedFireAt); err != nil {
		return nil, err
	}
	if run.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if run.WaitingExpiresAt, err = parseTimePtr(waitingExpires); err != nil {
		return nil, err
	}
	run.Summary = summary.String
	run.Error = errMsg.String
	run.PayloadJSON = json.RawMessage(payload)

	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating runs")
	}
	return runs, nil
}
