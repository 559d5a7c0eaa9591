package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/zubinjha/Zubot/errors"
)

// CreateSchedule inserts a schedule and its calendar child rows in one
// transaction. A missing ScheduleID is generated.
func (s *Store) CreateSchedule(sch *Schedule) error {
	if sch.ProfileID == "" {
		return errors.NewInvalidRequestError("profile_id is required")
	}
	switch sch.Mode {
	case ModeFrequency:
		if sch.RunFrequencyMinutes == nil || *sch.RunFrequencyMinutes <= 0 {
			return errors.NewInvalidRequestError("frequency mode requires run_frequency_minutes > 0")
		}
	case ModeCalendar:
		if len(sch.RunTimes) == 0 {
			return errors.NewInvalidRequestError("calendar mode requires at least one run time")
		}
	default:
		return errors.NewInvalidRequestError("unknown schedule mode: %s", sch.Mode)
	}
	switch sch.MisfirePolicy {
	case MisfireQueueAll, MisfireQueueLatest, MisfireSkip:
	case "":
		sch.MisfirePolicy = MisfireQueueLatest
	default:
		return errors.NewInvalidRequestError("unknown misfire policy: %s", sch.MisfirePolicy)
	}

	if sch.ScheduleID == "" {
		sch.ScheduleID = uuid.NewString()
	}
	now := time.Now().UTC()
	sch.CreatedAt = now
	sch.UpdatedAt = now
	// A schedule created without a cursor is due immediately; the heartbeat
	// computes the real next fire on its first evaluation.
	if sch.NextRunAt == nil {
		sch.NextRunAt = &now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO schedules (
			schedule_id, profile_id, enabled, mode, run_frequency_minutes,
			misfire_policy, execution_order, next_run_at, last_planned_run_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var freq sql.NullInt64
	if sch.RunFrequencyMinutes != nil {
		freq = sql.NullInt64{Int64: int64(*sch.RunFrequencyMinutes), Valid: true}
	}

	_, err = tx.Exec(query,
		sch.ScheduleID,
		sch.ProfileID,
		sch.Enabled,
		string(sch.Mode),
		freq,
		string(sch.MisfirePolicy),
		sch.ExecutionOrder,
		fmtTimePtr(sch.NextRunAt),
		fmtTimePtr(sch.LastPlannedRunAt),
		fmtTime(sch.CreatedAt),
		fmtTime(sch.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}

	if err := insertScheduleChildren(tx, sch); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit schedule create")
}

// GetSchedule retrieves a schedule with its calendar child rows
func (s *Store) GetSchedule(scheduleID string) (*Schedule, error) {
	row := s.db.QueryRow(scheduleSelect+` WHERE schedule_id = ?`, scheduleID)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule not found: %s", scheduleID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule")
	}

	if err := s.loadScheduleChildren(sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// ListSchedules returns all schedules with children loaded
func (s *Store) ListSchedules() ([]*Schedule, error) {
	rows, err := s.db.Query(scheduleSelect + ` ORDER BY execution_order, schedule_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	for _, sch := range schedules {
		if err := s.loadScheduleChildren(sch); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

// ListDueSchedules returns enabled schedules whose cursor is at or before
// now, in execution order. Children are loaded for calendar computation.
func (s *Store) ListDueSchedules(now time.Time) ([]*Schedule, error) {
	query := scheduleSelect + `
		WHERE enabled = 1
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		ORDER BY execution_order, schedule_id
	`

	rows, err := s.db.Query(query, fmtTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	defer rows.Close()

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	for _, sch := range schedules {
		if err := s.loadScheduleChildren(sch); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

// UpdateSchedule overwrites the mutable fields and replaces child rows
func (s *Store) UpdateSchedule(sch *Schedule) error {
	sch.UpdatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var freq sql.NullInt64
	if sch.RunFrequencyMinutes != nil {
		freq = sql.NullInt64{Int64: int64(*sch.RunFrequencyMinutes), Valid: true}
	}

	query := `
		UPDATE schedules
		SET enabled = ?, mode = ?, run_frequency_minutes = ?, misfire_policy = ?,
		    execution_order = ?, next_run_at = ?, last_planned_run_at = ?, updated_at = ?
		WHERE schedule_id = ?
	`

	result, err := tx.Exec(query,
		sch.Enabled,
		string(sch.Mode),
		freq,
		string(sch.MisfirePolicy),
		sch.ExecutionOrder,
		fmtTimePtr(sch.NextRunAt),
		fmtTimePtr(sch.LastPlannedRunAt),
		fmtTime(sch.UpdatedAt),
		sch.ScheduleID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("schedule not found: %s", sch.ScheduleID)
	}

	if _, err := tx.Exec(`DELETE FROM schedule_run_times WHERE schedule_id = ?`, sch.ScheduleID); err != nil {
		return errors.Wrap(err, "failed to clear schedule run times")
	}
	if _, err := tx.Exec(`DELETE FROM schedule_days_of_week WHERE schedule_id = ?`, sch.ScheduleID); err != nil {
		return errors.Wrap(err, "failed to clear schedule days")
	}
	if err := insertScheduleChildren(tx, sch); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit schedule update")
}

// DeleteSchedule removes a schedule; child rows and pending runs cascade
func (s *Store) DeleteSchedule(scheduleID string) error {
	result, err := s.db.Exec(`DELETE FROM schedules WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("schedule not found: %s", scheduleID)
	}
	return nil
}

// ApplySchedulePlan commits one heartbeat decision for a schedule in a
// single transaction: insert the selected runs and advance the cursor.
// Duplicate planned instants are ignored (unique partial index). Returns
// the subset of runs actually inserted.
func (s *Store) ApplySchedulePlan(scheduleID string, runs []*Run, lastPlanned *time.Time, nextRun *time.Time) ([]*Run, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var inserted []*Run
	for _, run := range runs {
		result, err := tx.Exec(`
			INSERT OR IGNORE INTO runs (
				run_id, schedule_id, profile_id, status, trigger,
				planned_fire_at, queued_at, payload_json
			) VALUES (?, ?, ?, 'queued', 'schedule', ?, ?, ?)
		`,
			run.RunID,
			scheduleID,
			run.ProfileID,
			fmtTimePtr(run.PlannedFireAt),
			fmtTime(run.QueuedAt),
			string(orEmptyJSON(run.PayloadJSON)),
		)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to enqueue run for schedule %s", scheduleID)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get rows affected")
		}
		if n > 0 {
			inserted = append(inserted, run)
		}
	}

	_, err = tx.Exec(`
		UPDATE schedules
		SET last_planned_run_at = COALESCE(?, last_planned_run_at),
		    next_run_at = ?,
		    updated_at = ?
		WHERE schedule_id = ?
	`,
		fmtTimePtr(lastPlanned),
		fmtTimePtr(nextRun),
		fmtTime(time.Now().UTC()),
		scheduleID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to advance cursor for schedule %s", scheduleID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit schedule plan")
	}
	return inserted, nil
}

// SetScheduleLastRun records last-run metadata after a terminal transition
func (s *Store) SetScheduleLastRun(scheduleID string, at time.Time, status RunStatus, summary string) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, last_run_status = ?, last_run_summary = ?, updated_at = ?
		WHERE schedule_id = ?
	`,
		fmtTime(at),
		string(status),
		summary,
		fmtTime(time.Now().UTC()),
		scheduleID,
	)
	return errors.Wrap(err, "failed to set schedule last run")
}

const scheduleSelect = `
	SELECT schedule_id, profile_id, enabled, mode, run_frequency_minutes,
	       misfire_policy, execution_order, next_run_at, last_planned_run_at,
	       last_run_at, last_run_status, last_run_summary, created_at, updated_at
	FROM schedules
`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sch Schedule
	var mode, misfire, createdAt, updatedAt string
	var freq sql.NullInt64
	var nextRunAt, lastPlanned, lastRunAt, lastRunStatus, lastRunSummary sql.NullString

	err := row.Scan(
		&sch.ScheduleID,
		&sch.ProfileID,
		&sch.Enabled,
		&mode,
		&freq,
		&misfire,
		&sch.ExecutionOrder,
		&nextRunAt,
		&lastPlanned,
		&lastRunAt,
		&lastRunStatus,
		&lastRunSummary,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sch.Mode = ScheduleMode(mode)
	sch.MisfirePolicy = MisfirePolicy(misfire)
	if freq.Valid {
		v := int(freq.Int64)
		sch.RunFrequencyMinutes = &v
	}
	if sch.NextRunAt, err = parseTimePtr(nextRunAt); err != nil {
		return nil, err
	}
	if sch.LastPlannedRunAt, err = parseTimePtr(lastPlanned); err != nil {
		return nil, err
	}
	if sch.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	sch.LastRunStatus = lastRunStatus.String
	sch.LastRunSummary = lastRunSummary.String
	if sch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &sch, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating schedules")
	}
	return schedules, nil
}

func insertScheduleChildren(tx *sql.Tx, sch *Schedule) error {
	for _, rt := range sch.RunTimes {
		tz := rt.Timezone
		if tz == "" {
			tz = "UTC"
		}
		if _, err := tx.Exec(`
			INSERT INTO schedule_run_times (schedule_id, time_of_day, timezone)
			VALUES (?, ?, ?)
		`, sch.ScheduleID, rt.TimeOfDay, tz); err != nil {
			return errors.Wrap(err, "failed to insert schedule run time")
		}
	}
	for _, dow := range sch.DaysOfWeek {
		if _, err := tx.Exec(`
			INSERT INTO schedule_days_of_week (schedule_id, day_of_week)
			VALUES (?, ?)
		`, sch.ScheduleID, dow); err != nil {
			return errors.Wrap(err, "failed to insert schedule day of week")
		}
	}
	return nil
}

func (s *Store) loadScheduleChildren(sch *Schedule) error {
	rows, err := s.db.Query(`
		SELECT time_of_day, timezone FROM schedule_run_times
		WHERE schedule_id = ? ORDER BY time_of_day
	`, sch.ScheduleID)
	if err != nil {
		return errors.Wrap(err, "failed to load schedule run times")
	}
	defer rows.Close()

	sch.RunTimes = nil
	for rows.Next() {
		var rt RunTime
		if err := rows.Scan(&rt.TimeOfDay, &rt.Timezone); err != nil {
			return errors.Wrap(err, "failed to scan schedule run time")
		}
		sch.RunTimes = append(sch.RunTimes, rt)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "error iterating schedule run times")
	}

	dowRows, err := s.db.Query(`
		SELECT day_of_week FROM schedule_days_of_week
		WHERE schedule_id = ? ORDER BY day_of_week
	`, sch.ScheduleID)
	if err != nil {
		return errors.Wrap(err, "failed to load schedule days")
	}
	defer dowRows.Close()

	sch.DaysOfWeek = nil
	for dowRows.Next() {
		var dow string
		if err := dowRows.Scan(&dow); err != nil {
			return errors.Wrap(err, "failed to scan schedule day")
		}
		sch.DaysOfWeek = append(sch.DaysOfWeek, dow)
	}
	return errors.Wrap(dowRows.Err(), "error iterating schedule days")
}
