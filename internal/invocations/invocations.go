// Package invocations records per-request execution outcomes for the
// admin API.
package invocations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wasmgate/wasmgate/internal/database"
)

// Outcome classifies how an invocation finished.
type Outcome string

const (
	// OutcomeOK indicates the guest produced a response.
	OutcomeOK Outcome = "ok"
	// OutcomeTrap indicates the guest trapped or returned garbage.
	OutcomeTrap Outcome = "trap"
	// OutcomeTimeout indicates the execution deadline expired.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeRejected indicates admission control refused the request.
	OutcomeRejected Outcome = "rejected"
	// OutcomeError indicates a host-side failure.
	OutcomeError Outcome = "error"
)

// Record is one invocation log entry.
type Record struct {
	ID          string
	FunctionID  string
	RequestID   string
	Status      int
	Outcome     Outcome
	ColdStart   bool
	DurationMs  int64
	StartedAt   time.Time
	CompletedAt time.Time
}

// Store persists invocation records.
type Store struct {
	db *database.DB
}

// NewStore creates an invocation store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a completed invocation record. The ID is assigned if
// empty.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO invocations (
			id, function_id, request_id, status, outcome,
			cold_start, duration_ms, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.FunctionID,
		rec.RequestID,
		rec.Status,
		string(rec.Outcome),
		rec.ColdStart,
		rec.DurationMs,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}

	return nil
}

// List returns the most recent invocations of a function, newest
// first.
func (s *Store) List(ctx context.Context, functionID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, function_id, request_id, status, outcome,
		       cold_start, duration_ms, started_at, completed_at
		FROM invocations
		WHERE function_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocations: %w", err)
	}

	return records, nil
}

// Prune deletes records older than the retention window and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning invocations: %w", err)
	}

	return result.RowsAffected()
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var outcome, startedAt, completedAt string

	if err := rows.Scan(
		&rec.ID,
		&rec.FunctionID,
		&rec.RequestID,
		&rec.Status,
		&outcome,
		&rec.ColdStart,
		&rec.DurationMs,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning invocation: %w", err)
	}
	rec.Outcome = Outcome(outcome)

	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if rec.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}

	return &rec, nil
}
