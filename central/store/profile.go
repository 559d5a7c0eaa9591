package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zubinjha/Zubot/errors"
)

// CreateProfile inserts a new task profile
func (s *Store) CreateProfile(p *TaskProfile) error {
	if p.TaskID == "" {
		return errors.NewInvalidRequestError("task_id is required")
	}
	if !p.Kind.Valid() {
		return errors.NewInvalidRequestError("unknown task kind: %s", p.Kind)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if len(p.RetryPolicy) == 0 {
		p.RetryPolicy = json.RawMessage("{}")
	}

	query := `
		INSERT INTO task_profiles (
			task_id, name, kind, entrypoint, queue_group,
			timeout_sec, retry_policy, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		p.TaskID,
		p.Name,
		string(p.Kind),
		p.Entrypoint,
		p.QueueGroup,
		p.TimeoutSec,
		string(p.RetryPolicy),
		p.Enabled,
		fmtTime(p.CreatedAt),
		fmtTime(p.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create task profile")
	}

	return nil
}

// GetProfile retrieves a task profile by ID
func (s *Store) GetProfile(taskID string) (*TaskProfile, error) {
	query := `
		SELECT task_id, name, kind, entrypoint, queue_group,
		       timeout_sec, retry_policy, enabled, created_at, updated_at
		FROM task_profiles WHERE task_id = ?
	`

	row := s.db.QueryRow(query, taskID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task profile not found: %s", taskID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task profile")
	}
	return p, nil
}

// ListProfiles returns all task profiles ordered by task_id
func (s *Store) ListProfiles() ([]*TaskProfile, error) {
	query := `
		SELECT task_id, name, kind, entrypoint, queue_group,
		       timeout_sec, retry_policy, enabled, created_at, updated_at
		FROM task_profiles ORDER BY task_id
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task profiles")
	}
	defer rows.Close()

	var profiles []*TaskProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task profile")
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task profiles")
	}

	return profiles, nil
}

// UpdateProfile overwrites the mutable fields of an existing profile
func (s *Store) UpdateProfile(p *TaskProfile) error {
	if !p.Kind.Valid() {
		return errors.NewInvalidRequestError("unknown task kind: %s", p.Kind)
	}
	if len(p.RetryPolicy) == 0 {
		p.RetryPolicy = json.RawMessage("{}")
	}
	p.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE task_profiles
		SET name = ?, kind = ?, entrypoint = ?, queue_group = ?,
		    timeout_sec = ?, retry_policy = ?, enabled = ?, updated_at = ?
		WHERE task_id = ?
	`

	result, err := s.db.Exec(query,
		p.Name,
		string(p.Kind),
		p.Entrypoint,
		p.QueueGroup,
		p.TimeoutSec,
		string(p.RetryPolicy),
		p.Enabled,
		fmtTime(p.UpdatedAt),
		p.TaskID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update task profile")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("task profile not found: %s", p.TaskID)
	}

	return nil
}

// DeleteProfile removes a profile; schedules and live runs cascade via FK
func (s *Store) DeleteProfile(taskID string) error {
	result, err := s.db.Exec(`DELETE FROM task_profiles WHERE task_id = ?`, taskID)
	if err != nil {
		return errors.Wrap(err, "failed to delete task profile")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("task profile not found: %s", taskID)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*TaskProfile, error) {
	var p TaskProfile
	var kind, retryPolicy, createdAt, updatedAt string

	err := row.Scan(
		&p.TaskID,
		&p.Name,
		&kind,
		&p.Entrypoint,
		&p.QueueGroup,
		&p.TimeoutSec,
		&retryPolicy,
		&p.Enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Kind = TaskKind(kind)
	p.RetryPolicy = json.RawMessage(retryPolicy)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &p, nil
}
