// Package postgres implements results.Store on PostgreSQL. Feedback blocks
// and the transcript are stored as JSONB.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/results"
)

// Schema is the SQL DDL for the results table.
const Schema = `
CREATE TABLE IF NOT EXISTS test_results (
    id         UUID PRIMARY KEY,
    user_id    TEXT NOT NULL,
    mode       TEXT NOT NULL,
    topic      TEXT NOT NULL DEFAULT '',
    band       DOUBLE PRECISION NOT NULL,
    feedback   JSONB NOT NULL DEFAULT '[]',
    messages   JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_test_results_user ON test_results(user_id, created_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a results.Store backed by PostgreSQL.
type Store struct {
	db DB
}

var _ results.Store = (*Store)(nil)

// NewStore returns a Store using db. Call [Store.Migrate] before use.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates the results table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("results postgres: migrate: %w", err)
	}
	return nil
}

// Save implements results.Saver.
func (s *Store) Save(ctx context.Context, rec results.Record) (string, error) {
	if err := results.Validate(rec); err != nil {
		return "", err
	}
	id := uuid.New()
	feedback := rec.Feedback
	if feedback == nil {
		feedback = []grading.Block{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO test_results (id, user_id, mode, topic, band, feedback, messages)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id.String(), rec.UserID, string(rec.Mode), rec.Topic, rec.Band, feedback, rec.Messages,
	)
	if err != nil {
		return "", fmt.Errorf("results postgres: save: %w", err)
	}
	return id.String(), nil
}

const selectColumns = `SELECT id::text, user_id, mode, topic, band, feedback, messages, created_at FROM test_results`

// Get implements results.Store.
func (s *Store) Get(ctx context.Context, id string) (*results.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, results.ErrNotFound
	}
	rows, err := s.db.Query(ctx, selectColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("results postgres: get: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, results.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("results postgres: get: %w", err)
	}
	return &rec, nil
}

// ListByUser implements results.Store. Records are returned newest first;
// limit <= 0 means all.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]results.Record, error) {
	q := selectColumns + ` WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("results postgres: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("results postgres: scan rows: %w", err)
	}
	if recs == nil {
		recs = []results.Record{}
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (results.Record, error) {
	var (
		rec  results.Record
		mode string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &mode, &rec.Topic, &rec.Band, &rec.Feedback, &rec.Messages, &rec.CreatedAt)
	rec.Mode = grading.Mode(mode)
	return rec, err
}
