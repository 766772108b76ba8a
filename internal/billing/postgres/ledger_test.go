package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/speakwell/internal/billing"
	"github.com/MrWong99/speakwell/internal/billing/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SPEAKWELL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SPEAKWELL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPEAKWELL_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestLedger(t *testing.T) *postgres.Ledger {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS minute_deductions, minute_balances`); err != nil {
		t.Fatalf("drop tables: %v", err)
	}
	l := postgres.NewLedger(pool)
	if err := l.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return l
}

func TestLedger_DeductAndBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	if bal, err := l.Credit(ctx, "u1", 3); err != nil || bal != 3 {
		t.Fatalf("Credit = %d, %v; want 3, nil", bal, err)
	}
	req := billing.DeductRequest{UserID: "u1", CallID: "call-1", Minutes: 1, Boundary: 1}
	if err := l.Deduct(ctx, req); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	// A replayed boundary is not charged again.
	if err := l.Deduct(ctx, req); err != nil {
		t.Fatalf("Deduct replay: %v", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 2 {
		t.Errorf("Balance = %d, want 2", bal)
	}

	err := l.Deduct(ctx, billing.DeductRequest{UserID: "u1", CallID: "call-1", Minutes: 5, Boundary: 6})
	if !errors.Is(err, billing.ErrInsufficientMinutes) {
		t.Fatalf("Deduct over balance = %v, want ErrInsufficientMinutes", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 2 {
		t.Errorf("Balance after rejected deduction = %d, want 2", bal)
	}

	// The rejected request left no deduction row behind, so it may be retried
	// once the balance is topped up.
	if _, err := l.Credit(ctx, "u1", 10); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := l.Deduct(ctx, billing.DeductRequest{UserID: "u1", CallID: "call-1", Minutes: 5, Boundary: 6}); err != nil {
		t.Fatalf("Deduct after top-up: %v", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 7 {
		t.Errorf("Balance = %d, want 7", bal)
	}
}

func TestLedger_UnknownUser(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	if bal, err := l.Balance(ctx, "nobody"); err != nil || bal != 0 {
		t.Errorf("Balance = %d, %v; want 0, nil", bal, err)
	}
	err := l.Deduct(ctx, billing.DeductRequest{UserID: "nobody", Minutes: 1, Boundary: 1})
	if !errors.Is(err, billing.ErrInsufficientMinutes) {
		t.Errorf("Deduct = %v, want ErrInsufficientMinutes", err)
	}
}
