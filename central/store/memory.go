package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/zubinjha/Zubot/errors"
)

// AppendDayEvent inserts an event and bumps the day's counters in one
// transaction. Returns the updated day status so the caller can decide
// whether to enqueue a summary job.
func (s *Store) AppendDayEvent(ev *DayEvent) (*DayStatus, error) {
	if ev.Day == "" || ev.Kind == "" {
		return nil, errors.NewInvalidRequestError("day and kind are required")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	if ev.Layer == "" {
		ev.Layer = LayerRaw
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO day_memory_events (event_id, day, event_time, session_id, kind, text, layer)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.Day, fmtTime(ev.EventTime), ev.SessionID, ev.Kind, ev.Text, string(ev.Layer))
	if err != nil {
		return nil, errors.Wrap(err, "failed to append day event")
	}

	eventAt := fmtTime(ev.EventTime)
	_, err = tx.Exec(`
		INSERT INTO day_memory_status (
			day, total_messages, last_summarized_total, messages_since_last_summary, last_event_at
		) VALUES (?, 1, 0, 1, ?)
		ON CONFLICT(day) DO UPDATE SET
			total_messages = total_messages + 1,
			messages_since_last_summary = total_messages + 1 - last_summarized_total,
			last_event_at = excluded.last_event_at
	`, ev.Day, eventAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bump day status")
	}

	status, err := getDayStatusTx(tx, ev.Day)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit day event")
	}
	return status, nil
}

// GetDayStatus reads the counters for one day; nil when the day has no rows
func (s *Store) GetDayStatus(day string) (*DayStatus, error) {
	status, err := getDayStatusTx(s.db, day)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	return status, err
}

type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func getDayStatusTx(q queryRower, day string) (*DayStatus, error) {
	var ds DayStatus
	var lastEventAt, lastSummaryAt sql.NullString

	err := q.QueryRow(`
		SELECT day, total_messages, last_summarized_total, messages_since_last_summary,
		       summaries_count, is_finalized, last_event_at, last_summary_at
		FROM day_memory_status WHERE day = ?
	`, day).Scan(
		&ds.Day,
		&ds.TotalMessages,
		&ds.LastSummarizedTotal,
		&ds.MessagesSinceLastSummary,
		&ds.SummariesCount,
		&ds.IsFinalized,
		&lastEventAt,
		&lastSummaryAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("day status not found: %s", day)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get day status")
	}

	if ds.LastEventAt, err = parseTimePtr(lastEventAt); err != nil {
		return nil, err
	}
	if ds.LastSummaryAt, err = parseTimePtr(lastSummaryAt); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListDayEvents returns the raw transcript of one day in event order
func (s *Store) ListDayEvents(day string, layer EventLayer) ([]*DayEvent, error) {
	rows, err := s.db.Query(`
		SELECT event_id, day, event_time, session_id, kind, text, layer
		FROM day_memory_events
		WHERE day = ? AND layer = ?
		ORDER BY event_time, event_id
	`, day, string(layer))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list day events")
	}
	defer rows.Close()

	var events []*DayEvent
	for rows.Next() {
		var ev DayEvent
		var eventTime, layerStr string
		if err := rows.Scan(&ev.EventID, &ev.Day, &eventTime, &ev.SessionID, &ev.Kind, &ev.Text, &layerStr); err != nil {
			return nil, errors.Wrap(err, "failed to scan day event")
		}
		if ev.EventTime, err = parseTime(eventTime); err != nil {
			return nil, err
		}
		ev.Layer = EventLayer(layerStr)
		events = append(events, &ev)
	}
	return events, errors.Wrap(rows.Err(), "error iterating day events")
}

// EnqueueSummaryJob queues summarization work for a day. The partial unique
// index collapses concurrent enqueues onto the existing live job; returns
// whether a new job row was created.
func (s *Store) EnqueueSummaryJob(day, reason string) (bool, error) {
	if day == "" {
		return false, errors.NewInvalidRequestError("day is required")
	}

	now := fmtTime(time.Now().UTC())
	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO memory_summary_jobs (day, status, reason, created_at, updated_at)
		VALUES (?, 'queued', ?, ?, ?)
	`, day, reason, now, now)
	if err != nil {
		return false, errors.Wrap(err, "failed to enqueue summary job")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// ClaimNextSummaryJob transitions the oldest queued job to running.
// Returns nil when no work is pending.
func (s *Store) ClaimNextSummaryJob() (*SummaryJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var job SummaryJob
	var status, createdAt, updatedAt string
	var errMsg sql.NullString
	err = tx.QueryRow(`
		SELECT job_id, day, status, reason, attempt_count, error, created_at, updated_at
		FROM memory_summary_jobs
		WHERE status = 'queued'
		ORDER BY created_at, job_id
		LIMIT 1
	`).Scan(&job.JobID, &job.Day, &status, &job.Reason, &job.AttemptCount, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select summary job")
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE memory_summary_jobs
		SET status = 'running', attempt_count = attempt_count + 1, updated_at = ?
		WHERE job_id = ? AND status = 'queued'
	`, fmtTime(now), job.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim summary job")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit summary claim")
	}

	job.Status = SummaryJobRunning
	job.AttemptCount++
	job.Error = errMsg.String
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	job.UpdatedAt = now
	return &job, nil
}

// CompleteSummaryJob finishes a claimed job as done or failed
func (s *Store) CompleteSummaryJob(jobID int64, ok bool, errMsg string) error {
	status := SummaryJobDone
	if !ok {
		status = SummaryJobFailed
	}

	result, err := s.db.Exec(`
		UPDATE memory_summary_jobs
		SET status = ?, error = ?, updated_at = ?
		WHERE job_id = ? AND status = 'running'
	`, string(status), nullStr(errMsg), fmtTime(time.Now().UTC()), jobID)
	if err != nil {
		return errors.Wrap(err, "failed to complete summary job")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("running summary job not found: %d", jobID)
	}
	return nil
}

// MarkDaySummarized resets the day's counters after a successful summary.
// summarizedMessages is the transcript size that was summarized; the day may
// have grown since, in which case messages_since_last_summary stays positive.
func (s *Store) MarkDaySummarized(day string, summarizedMessages int, finalize bool) (*DayStatus, error) {
	now := fmtTime(time.Now().UTC())
	finalized := 0
	if finalize {
		finalized = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO day_memory_status (
			day, total_messages, last_summarized_total, messages_since_last_summary,
			summaries_count, is_finalized, last_summary_at
		) VALUES (?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			last_summarized_total = MIN(total_messages, ?),
			messages_since_last_summary = MAX(0, total_messages - ?),
			summaries_count = summaries_count + 1,
			is_finalized = CASE WHEN ? = 1 THEN 1 ELSE is_finalized END,
			last_summary_at = ?
	`, day, summarizedMessages, summarizedMessages, finalized, now,
		summarizedMessages, summarizedMessages, finalized, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to mark day summarized")
	}

	return getDayStatusTx(s.db, day)
}

// ListDaysPendingSummary returns days strictly before beforeDay that are not
// finalized and still have unsummarized messages.
func (s *Store) ListDaysPendingSummary(beforeDay string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT day FROM day_memory_status
		WHERE day < ?
		  AND is_finalized = 0
		  AND total_messages > last_summarized_total
		ORDER BY day
	`, beforeDay)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list days pending summary")
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending day")
		}
		days = append(days, day)
	}
	return days, errors.Wrap(rows.Err(), "error iterating pending days")
}

// ReplaceDaySummary rewrites the materialized summary for a day
func (s *Store) ReplaceDaySummary(summary *DaySummary) error {
	summary.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO day_summaries (day, summary_text, entry_count, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			summary_text = excluded.summary_text,
			entry_count = excluded.entry_count,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, summary.Day, summary.SummaryText, summary.EntryCount, summary.Reason, fmtTime(summary.UpdatedAt))
	return errors.Wrap(err, "failed to replace day summary")
}

// GetDaySummary reads the materialized summary; nil when absent
func (s *Store) GetDaySummary(day string) (*DaySummary, error) {
	var ds DaySummary
	var updatedAt string

	err := s.db.QueryRow(`
		SELECT day, summary_text, entry_count, reason, updated_at
		FROM day_summaries WHERE day = ?
	`, day).Scan(&ds.Day, &ds.SummaryText, &ds.EntryCount, &ds.Reason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get day summary")
	}

	if ds.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListRecentDaySummaries returns the newest N day summaries, oldest first
func (s *Store) ListRecentDaySummaries(limit int) ([]*DaySummary, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.Query(`
		SELECT day, summary_text, entry_count, reason, updated_at
		FROM day_summaries
		ORDER BY day DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list day summaries")
	}
	defer rows.Close()

	var summaries []*DaySummary
	for rows.Next() {
		var ds DaySummary
		var updatedAt string
		if err := rows.Scan(&ds.Day, &ds.SummaryText, &ds.EntryCount, &ds.Reason, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan day summary")
		}
		if ds.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, &ds)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating day summaries")
	}

	// Oldest first for chronological context assembly
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}
	return summaries, nil
}
