package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zubinjha/Zubot/errors"
)

// MarkSeenItem records an externally discovered item. First observation
// inserts the row; repeats bump last_seen_at and seen_count.
func (s *Store) MarkSeenItem(taskID, provider, itemKey string, metadata json.RawMessage) error {
	if taskID == "" || provider == "" || itemKey == "" {
		return errors.NewInvalidRequestError("task_id, provider, and item_key are required")
	}

	now := fmtTime(time.Now().UTC())
	_, err := s.db.Exec(`
		INSERT INTO task_seen_items (
			task_id, provider, item_key, first_seen_at, last_seen_at, seen_count, metadata_json
		) VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(task_id, provider, item_key) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			seen_count = seen_count + 1,
			metadata_json = COALESCE(excluded.metadata_json, metadata_json)
	`, taskID, provider, itemKey, now, now, nullStr(string(metadata)))
	return errors.Wrap(err, "failed to mark seen item")
}

// HasSeenItem reports whether the ledger already holds the item
func (s *Store) HasSeenItem(taskID, provider, itemKey string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM task_seen_items
		WHERE task_id = ? AND provider = ? AND item_key = ?
	`, taskID, provider, itemKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check seen item")
	}
	return true, nil
}

// ListRecentSeenItems returns the task's most recently discovered items.
// Recency is by first observation, newest first.
func (s *Store) ListRecentSeenItems(taskID string, limit int) ([]*SeenItem, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.Query(`
		SELECT task_id, provider, item_key, first_seen_at, last_seen_at, seen_count, metadata_json
		FROM task_seen_items
		WHERE task_id = ?
		ORDER BY first_seen_at DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list seen items")
	}
	defer rows.Close()

	var items []*SeenItem
	for rows.Next() {
		var item SeenItem
		var firstSeen, lastSeen string
		var metadata sql.NullString

		err := rows.Scan(
			&item.TaskID,
			&item.Provider,
			&item.ItemKey,
			&firstSeen,
			&lastSeen,
			&item.SeenCount,
			&metadata,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan seen item")
		}

		if item.FirstSeenAt, err = parseTime(firstSeen); err != nil {
			return nil, err
		}
		if item.LastSeenAt, err = parseTime(lastSeen); err != nil {
			return nil, err
		}
		if metadata.Valid {
			item.MetadataJSON = json.RawMessage(metadata.String)
		}
		items = append(items, &item)
	}
	return items, errors.Wrap(rows.Err(), "error iterating seen items")
}

// UpsertTaskState atomically writes one per-task checkpoint value
func (s *Store) UpsertTaskState(taskID, stateKey, valueJSON, updatedBy string) error {
	if taskID == "" || stateKey == "" {
		return errors.NewInvalidRequestError("task_id and state_key are required")
	}
	if valueJSON == "" {
		valueJSON = "null"
	}

	_, err := s.db.Exec(`
		INSERT INTO task_state_kv (task_id, state_key, value_json, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, state_key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, taskID, stateKey, valueJSON, fmtTime(time.Now().UTC()), nullStr(updatedBy))
	return errors.Wrap(err, "failed to upsert task state")
}

// GetTaskState reads one checkpoint value; ErrNotFound when absent
func (s *Store) GetTaskState(taskID, stateKey string) (*TaskState, error) {
	var st TaskState
	var updatedAt string
	var updatedBy sql.NullString

	err := s.db.QueryRow(`
		SELECT task_id, state_key, value_json, updated_at, updated_by
		FROM task_state_kv
		WHERE task_id = ? AND state_key = ?
	`, taskID, stateKey).Scan(&st.TaskID, &st.StateKey, &st.ValueJSON, &updatedAt, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task state not found: %s/%s", taskID, stateKey)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task state")
	}

	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	st.UpdatedBy = updatedBy.String
	return &st, nil
}
