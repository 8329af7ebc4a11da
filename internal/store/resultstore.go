// Package store persists retrieval results so agents can re-read them
// later without refetching. Records are keyed by an opaque ID handed back
// at save time.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nicobailon/pi-web-access/internal/logging"
)

// ErrNotFound is returned by Get for an unknown or pruned record ID.
var ErrNotFound = errors.New("result not found")

// Record is one persisted retrieval result.
type Record struct {
	ID        string
	Kind      string // "search", "fetch" or "repo"
	Source    string // query text or URL, whichever produced the payload
	Payload   string
	CreatedAt time.Time
}

// Store is a SQLite-backed result store. Safe for concurrent use; the
// underlying driver serializes writers.
type Store struct {
	log *logging.Logger
	db  *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
`

// Open creates or opens the store at path. ":memory:" gives an ephemeral
// store for tests and one-shot runs.
func Open(path string, log *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init result store schema: %w", err)
	}
	return &Store{log: log.Component("store"), db: db}, nil
}

// Save persists a payload and returns its record ID.
func (s *Store) Save(ctx context.Context, kind, source, payload string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (id, kind, source, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, kind, source, payload, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("save result: %w", err)
	}
	s.log.Debug("result saved", zap.String("id", id), zap.String("kind", kind), zap.Int("bytes", len(payload)))
	return id, nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, source, payload, created_at FROM results WHERE id = ?`, id)

	var r Record
	var created int64
	if err := row.Scan(&r.ID, &r.Kind, &r.Source, &r.Payload, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

// List returns the most recent records, newest first, without payloads.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, source, created_at FROM results ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Source, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune deletes records older than the retention window and reports how
// many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.log.Info("pruned results", zap.Int64("removed", removed))
	}
	return removed, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
