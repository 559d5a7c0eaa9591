package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zubinjha/Zubot/errors"
)

// ListRunHistory returns recent terminal runs, optionally filtered by
// profile, newest first.
func (s *Store) ListRunHistory(profileID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, schedule_id, profile_id, status, trigger, planned_fire_at,
		       queued_at, started_at, finished_at, summary, error, payload_json, archived_at
		FROM run_history
	`
	var rows *sql.Rows
	var err error
	if profileID != "" {
		rows, err = s.db.Query(query+` WHERE profile_id = ? ORDER BY archived_at DESC LIMIT ?`, profileID, limit)
	} else {
		rows, err = s.db.Query(query+` ORDER BY archived_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list run history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var status, trigger, queuedAt, payload, archivedAt string
		var scheduleID, plannedFireAt, startedAt, finishedAt, summary, errMsg sql.NullString

		err := rows.Scan(
			&e.RunID,
			&scheduleID,
			&e.ProfileID,
			&status,
			&trigger,
			&plannedFireAt,
			&queuedAt,
			&startedAt,
			&finishedAt,
			&summary,
			&errMsg,
			&payload,
			&archivedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan history entry")
		}

		e.ScheduleID = strPtr(scheduleID)
		e.Status = RunStatus(status)
		e.Trigger = RunTrigger(trigger)
		if e.PlannedFireAt, err = parseTimePtr(plannedFireAt); err != nil {
			return nil, err
		}
		if e.QueuedAt, err = parseTime(queuedAt); err != nil {
			return nil, err
		}
		if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return nil, err
		}
		if e.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
			return nil, err
		}
		e.Summary = summary.String
		e.Error = errMsg.String
		e.PayloadJSON = json.RawMessage(payload)
		if e.ArchivedAt, err = parseTime(archivedAt); err != nil {
			return nil, err
		}

		entries = append(entries, &e)
	}
	return entries, errors.Wrap(rows.Err(), "error iterating run history")
}

// PruneRunHistory removes entries older than retentionDays and then trims
// the table down to maxRows, keeping the newest. Returns rows removed.
func (s *Store) PruneRunHistory(retentionDays, maxRows int) (int, error) {
	pruned := 0

	if retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		result, err := s.db.Exec(`DELETE FROM run_history WHERE archived_at < ?`, fmtTime(cutoff))
		if err != nil {
			return 0, errors.Wrap(err, "failed to prune history by age")
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "failed to get rows affected")
		}
		pruned += int(n)
	}

	if maxRows > 0 {
		result, err := s.db.Exec(`
			DELETE FROM run_history
			WHERE run_id NOT IN (
				SELECT run_id FROM run_history
				ORDER BY archived_at DESC
				LIMIT ?
			)
		`, maxRows)
		if err != nil {
			return 0, errors.Wrap(err, "failed to prune history by row cap")
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "failed to get rows affected")
		}
		pruned += int(n)
	}

	return pruned, nil
}
