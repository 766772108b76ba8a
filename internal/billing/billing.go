// Package billing meters speaking-session time and charges it per minute.
//
// A [Meter] ticks once per second while a session is active and issues one
// deduction for every minute boundary crossed, as computed by [MinuteNumber].
// The counter is persisted after every tick so that a restarted runtime can
// resume accounting, and is settled in one request by [Meter.Flush] when the
// session ends. Deductions are at-most-once: the billed-minute counter is
// advanced before the request is made, and a failed request is never retried.
//
// Deductions are sent to a [Deducter]. Backends live in sub-packages
// (postgres ledger, Stripe meter events); [MemoryLedger] serves tests and
// single-process deployments and [Tee] fans out to several backends.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInsufficientMinutes is returned by ledgers when the user's balance
// cannot cover a deduction.
var ErrInsufficientMinutes = errors.New("billing: insufficient minutes")

// MinuteNumber maps elapsed session seconds to the number of minutes owed.
//
// Zero seconds owe nothing. The first minute is owed as soon as the session
// has run for any time at all; every further minute becomes owed on a
// 60-second boundary shifted by graceSeconds. The function is monotonic
// non-decreasing in elapsedSeconds.
func MinuteNumber(elapsedSeconds, graceSeconds int) int {
	if elapsedSeconds <= 0 {
		return 0
	}
	over := elapsedSeconds - graceSeconds
	if over < 0 {
		over = 0
	}
	return 1 + over/60
}

// DeductRequest charges Minutes minutes to UserID.
type DeductRequest struct {
	UserID string
	// CallID is the vendor call identifier. It may be empty.
	CallID  string
	Minutes int
	// Boundary is the minute number this request brings the call up to. With
	// CallID it identifies the request for server-side deduplication.
	Boundary int
}

// IdempotencyKey returns a stable identifier for the request.
func (r DeductRequest) IdempotencyKey() string {
	call := r.CallID
	if call == "" {
		call = r.UserID
	}
	return fmt.Sprintf("%s-%d", call, r.Boundary)
}

// Deducter charges minutes. Implementations must be safe for concurrent use.
type Deducter interface {
	Deduct(ctx context.Context, req DeductRequest) error
}

// DeducterFunc adapts a function to [Deducter].
type DeducterFunc func(ctx context.Context, req DeductRequest) error

// Deduct calls f(ctx, req).
func (f DeducterFunc) Deduct(ctx context.Context, req DeductRequest) error { return f(ctx, req) }

// Tee sends every request to all deducters in order and joins their errors.
// A failing deducter does not stop the others.
type Tee []Deducter

// Deduct implements [Deducter].
func (t Tee) Deduct(ctx context.Context, req DeductRequest) error {
	var errs []error
	for _, d := range t {
		if err := d.Deduct(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryLedger is an in-memory minute balance per user.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
	history  []DeductRequest
	// Unlimited disables balance checks.
	Unlimited bool
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int)}
}

// Credit adds minutes to a user's balance.
func (l *MemoryLedger) Credit(userID string, minutes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += minutes
}

// Balance returns the user's remaining minutes.
func (l *MemoryLedger) Balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// History returns a copy of every accepted deduction.
func (l *MemoryLedger) History() []DeductRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeductRequest(nil), l.history...)
}

// Deduct implements [Deducter].
func (l *MemoryLedger) Deduct(_ context.Context, req DeductRequest) error {
	if req.Minutes <= 0 {
		return fmt.Errorf("billing: invalid minutes %d", req.Minutes)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.Unlimited && l.balances[req.UserID] < req.Minutes {
		return ErrInsufficientMinutes
	}
	l.balances[req.UserID] -= req.Minutes
	l.history = append(l.history, req)
	return nil
}

var (
	_ Deducter = Tee(nil)
	_ Deducter = (*MemoryLedger)(nil)
	_ Deducter = DeducterFunc(nil)
)
