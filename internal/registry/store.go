package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wasmgate/wasmgate/internal/database"
)

// Store handles database operations for function metadata.
type Store struct {
	db *database.DB
}

// NewStore creates a function metadata store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// querier is satisfied by both *database.DB and *database.Tx so reads
// and writes can run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxStore is a transaction-scoped view of the store.
type TxStore struct {
	q querier
}

// Transact runs fn inside one database transaction. All reads and
// writes through the TxStore see a consistent snapshot, so
// check-then-write sequences cannot interleave.
func (s *Store) Transact(ctx context.Context, fn func(tx *TxStore) error) error {
	return s.db.Transaction(ctx, func(tx *database.Tx) error {
		return fn(&TxStore{q: tx})
	})
}

func (t *TxStore) Get(ctx context.Context, id string) (*Function, error) {
	return getFunction(ctx, t.q, id)
}

func (t *TxStore) Upsert(ctx context.Context, fn *Function) error {
	return upsertFunction(ctx, t.q, fn)
}

func (t *TxStore) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	return countByOwner(ctx, t.q, ownerID)
}

func (s *Store) Get(ctx context.Context, id string) (*Function, error) {
	return getFunction(ctx, s.db, id)
}

func getFunction(ctx context.Context, q querier, id string) (*Function, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, version, memory_mb, timeout_ms, max_concurrency, size_bytes, created_at, updated_at
		FROM functions WHERE id = ?
	`, id)

	fn, err := scanFunction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFunctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying function: %w", err)
	}
	return fn, nil
}

// Upsert inserts or replaces a function row.
func (s *Store) Upsert(ctx context.Context, fn *Function) error {
	return upsertFunction(ctx, s.db, fn)
}

func upsertFunction(ctx context.Context, q querier, fn *Function) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO functions (id, owner_id, version, memory_mb, timeout_ms, max_concurrency, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			version = excluded.version,
			memory_mb = excluded.memory_mb,
			timeout_ms = excluded.timeout_ms,
			max_concurrency = excluded.max_concurrency,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at
	`,
		fn.ID,
		fn.OwnerID,
		fn.Version,
		fn.Limits.MemoryMB,
		fn.Limits.Timeout.Milliseconds(),
		fn.Limits.MaxConcurrency,
		fn.SizeBytes,
		fn.CreatedAt.UTC().Format(time.RFC3339),
		fn.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting function: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM functions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting function: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFunctionNotFound
	}
	return nil
}

// List returns functions, optionally filtered by owner.
func (s *Store) List(ctx context.Context, ownerID string) ([]*Function, error) {
	query := `
		SELECT id, owner_id, version, memory_mb, timeout_ms, max_concurrency, size_bytes, created_at, updated_at
		FROM functions
	`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing functions: %w", err)
	}
	defer rows.Close()

	var functions []*Function
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning function: %w", err)
		}
		functions = append(functions, fn)
	}
	return functions, rows.Err()
}

// Routes returns the routing table: subdomain label to function id.
// Function IDs are the subdomain labels, so the map is id -> id today;
// keeping the shape makes alias routes a schema change, not an API one.
func (s *Store) Routes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM functions`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := make(map[string]string)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes[id] = id
	}
	return routes, rows.Err()
}

// CountByOwner returns how many functions an owner has deployed.
func (s *Store) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	return countByOwner(ctx, s.db, ownerID)
}

func countByOwner(ctx context.Context, q querier, ownerID string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM functions WHERE owner_id = ?
	`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting functions: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFunction(row rowScanner) (*Function, error) {
	var (
		fn        Function
		timeoutMS int64
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&fn.ID,
		&fn.OwnerID,
		&fn.Version,
		&fn.Limits.MemoryMB,
		&timeoutMS,
		&fn.Limits.MaxConcurrency,
		&fn.SizeBytes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	fn.Limits.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		fn.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		fn.UpdatedAt = t
	}

	return &fn, nil
}
