package store

import (
	"database/sql"

	"github.com/zubinjha/Zubot/errors"
)

// UpsertHeartbeatState records the singleton 'main' heartbeat row
func (s *Store) UpsertHeartbeatState(hs *HeartbeatState) error {
	_, err := s.db.Exec(`
		INSERT INTO heartbeat_state (
			id, last_heartbeat_started_at, last_heartbeat_finished_at,
			last_heartbeat_status, last_heartbeat_error, last_enqueued_count, ticks_total
		) VALUES ('main', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_heartbeat_started_at = excluded.last_heartbeat_started_at,
			last_heartbeat_finished_at = excluded.last_heartbeat_finished_at,
			last_heartbeat_status = excluded.last_heartbeat_status,
			last_heartbeat_error = excluded.last_heartbeat_error,
			last_enqueued_count = excluded.last_enqueued_count,
			ticks_total = excluded.ticks_total
	`,
		fmtTimePtr(hs.LastStartedAt),
		fmtTimePtr(hs.LastFinishedAt),
		nullStr(hs.LastStatus),
		nullStr(hs.LastError),
		hs.LastEnqueuedCount,
		hs.TicksTotal,
	)
	return errors.Wrap(err, "failed to upsert heartbeat state")
}

// GetHeartbeatState reads the singleton row; nil when never written
func (s *Store) GetHeartbeatState() (*HeartbeatState, error) {
	var hs HeartbeatState
	var startedAt, finishedAt, status, lastErr sql.NullString

	err := s.db.QueryRow(`
		SELECT last_heartbeat_started_at, last_heartbeat_finished_at,
		       last_heartbeat_status, last_heartbeat_error, last_enqueued_count, ticks_total
		FROM heartbeat_state WHERE id = 'main'
	`).Scan(&startedAt, &finishedAt, &status, &lastErr, &hs.LastEnqueuedCount, &hs.TicksTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get heartbeat state")
	}

	if hs.LastStartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if hs.LastFinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	hs.LastStatus = status.String
	hs.LastError = lastErr.String
	return &hs, nil
}
