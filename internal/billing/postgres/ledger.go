// Package postgres implements billing.Deducter as a minute ledger in
// PostgreSQL.
//
// Each user has a balance row in minute_balances. A deduction inserts a row
// into minute_deductions and decrements the balance in the same transaction.
// Deductions are keyed by [billing.DeductRequest.IdempotencyKey], so a
// request that reaches the ledger twice is only charged once.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/speakwell/internal/billing"
)

// Schema is the SQL DDL for the ledger tables. Execute it via
// [Ledger.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS minute_balances (
    user_id    TEXT PRIMARY KEY,
    balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS minute_deductions (
    id              BIGSERIAL PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    user_id         TEXT NOT NULL,
    call_id         TEXT NOT NULL DEFAULT '',
    minutes         INTEGER NOT NULL CHECK (minutes > 0),
    boundary        INTEGER NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_minute_deductions_user ON minute_deductions(user_id, created_at);
`

// DB is the database interface used by [Ledger]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is a [billing.Deducter] backed by PostgreSQL.
type Ledger struct {
	db DB
}

var _ billing.Deducter = (*Ledger)(nil)

// NewLedger returns a Ledger using db. Call [Ledger.Migrate] before use.
func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("billing postgres: migrate: %w", err)
	}
	return nil
}

// Deduct charges req.Minutes to req.UserID. It returns
// [billing.ErrInsufficientMinutes] when the balance is too low; nothing is
// recorded in that case. Replaying an already recorded request is a no-op.
func (l *Ledger) Deduct(ctx context.Context, req billing.DeductRequest) error {
	if req.Minutes <= 0 {
		return fmt.Errorf("billing postgres: invalid minutes %d", req.Minutes)
	}

	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO minute_deductions (idempotency_key, user_id, call_id, minutes, boundary)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			req.IdempotencyKey(), req.UserID, req.CallID, req.Minutes, req.Boundary)
		if err != nil {
			return fmt.Errorf("record deduction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errAlreadyRecorded
		}

		tag, err = tx.Exec(ctx, `
			UPDATE minute_balances
			SET balance = balance - $2, updated_at = now()
			WHERE user_id = $1 AND balance >= $2`,
			req.UserID, req.Minutes)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return billing.ErrInsufficientMinutes
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errAlreadyRecorded):
		return nil
	case errors.Is(err, billing.ErrInsufficientMinutes):
		return err
	default:
		return fmt.Errorf("billing postgres: deduct for %q: %w", req.UserID, err)
	}
}

// errAlreadyRecorded rolls back the transaction of a replayed request.
var errAlreadyRecorded = errors.New("deduction already recorded")

// Credit adds minutes to a user's balance, creating the balance row if
// needed, and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, userID string, minutes int) (int, error) {
	var balance int
	err := l.db.QueryRow(ctx, `
		INSERT INTO minute_balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = minute_balances.balance + EXCLUDED.balance, updated_at = now()
		RETURNING balance`,
		userID, minutes).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("billing postgres: credit %q: %w", userID, err)
	}
	return balance, nil
}

// Balance returns a user's remaining minutes. Unknown users have zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := l.db.QueryRow(ctx,
		`SELECT balance FROM minute_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing postgres: balance %q: %w", userID, err)
	}
	return balance, nil
}
