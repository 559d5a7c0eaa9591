package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Store handles persistence for the central scheduler
type Store struct {
	db *sql.DB
}

// NewStore creates a new central store over an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the SQL gateway worker
func (s *Store) DB() *sql.DB {
	return s.db
}

// fmtTime renders a timestamp in the canonical stored form
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// fmtTimePtr renders an optional timestamp as a nullable column value
func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

// parseTime parses a stored timestamp, returning zero time on empty input
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseTimePtr parses a nullable timestamp column
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullStr wraps an optional string column value
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullStrPtr wraps an optional string pointer column value
func nullStrPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// strPtr converts a nullable column back to an optional string
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// orEmptyJSON substitutes an empty object for a missing payload
func orEmptyJSON(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return b
}

