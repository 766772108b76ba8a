package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/kvstore"
)

// recordingDeducter records every request and optionally fails.
type recordingDeducter struct {
	mu   sync.Mutex
	reqs []DeductRequest
	err  error
}

func (d *recordingDeducter) Deduct(_ context.Context, req DeductRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return d.err
}

func (d *recordingDeducter) requests() []DeductRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeductRequest(nil), d.reqs...)
}

func newTestMeter(t *testing.T, opts ...func(*MeterConfig)) (*Meter, *clock.Fake, *recordingDeducter, kvstore.Store) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	d := &recordingDeducter{}
	store := kvstore.NewMemStore()
	cfg := MeterConfig{
		UserID:   "user-1",
		Store:    store,
		Deducter: d,
		Clock:    fc,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewMeter(cfg), fc, d, store
}

func TestMeter_DeductionsMatchBoundaryCrossings(t *testing.T) {
	for _, seconds := range []int{1, 64, 65, 125, 599, 600, 841} {
		m, fc, d, _ := newTestMeter(t)
		if err := m.Start(context.Background(), "call-1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		fc.Advance(time.Duration(seconds) * time.Second)

		reqs := d.requests()
		want := MinuteNumber(seconds, DefaultGraceSeconds)
		if len(reqs) != want {
			t.Errorf("after %ds: %d deductions, want %d", seconds, len(reqs), want)
		}
		for i, r := range reqs {
			if r.Minutes != 1 || r.Boundary != i+1 || r.CallID != "call-1" || r.UserID != "user-1" {
				t.Errorf("after %ds: request %d = %+v", seconds, i, r)
			}
		}
		m.Stop()
	}
}

func TestMeter_StopHaltsTicks(t *testing.T) {
	m, fc, d, _ := newTestMeter(t)
	if err := m.Start(context.Background(), "call-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(10 * time.Second)
	m.Stop()
	if m.Running() {
		t.Fatal("Running() = true after Stop")
	}
	before := m.Snapshot().ElapsedSeconds
	fc.Advance(5 * time.Minute)

	if got := m.Snapshot().ElapsedSeconds; got != before {
		t.Errorf("elapsed advanced after Stop: %d -> %d", before, got)
	}
	if got := len(d.requests()); got != 1 {
		t.Errorf("deductions = %d, want 1", got)
	}
	if fc.Pending() != 0 {
		t.Errorf("pending timers after Stop = %d, want 0", fc.Pending())
	}
}

func TestMeter_PersistsEveryTick(t *testing.T) {
	m, fc, _, store := newTestMeter(t)
	ctx := context.Background()
	if err := m.Start(ctx, "call-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(70 * time.Second)

	var st State
	ok, err := store.Get(ctx, kvstore.LiveMinutesKey("user-1"), &st)
	if err != nil || !ok {
		t.Fatalf("persisted counter missing: %v, %v", ok, err)
	}
	if st.ElapsedSeconds != 70 || st.LastDeductedMinute != 2 || st.CallID != "call-1" {
		t.Errorf("persisted = %+v", st)
	}
	if !st.UpdatedAt.Equal(fc.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", st.UpdatedAt, fc.Now())
	}
}

func TestMeter_ResumesPersistedCounter(t *testing.T) {
	m, fc, d, store := newTestMeter(t)
	ctx := context.Background()
	prior := State{ElapsedSeconds: 100, LastDeductedMinute: 2, CallID: "call-old"}
	if err := store.Set(ctx, kvstore.LiveMinutesKey("user-1"), prior); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := m.Start(ctx, "call-new"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(24 * time.Second)
	if got := len(d.requests()); got != 0 {
		t.Fatalf("deductions before boundary = %d, want 0", got)
	}
	fc.Advance(time.Second)

	reqs := d.requests()
	if len(reqs) != 1 {
		t.Fatalf("deductions = %d, want 1", len(reqs))
	}
	if reqs[0].Boundary != 3 || reqs[0].CallID != "call-new" {
		t.Errorf("request = %+v, want boundary 3 on call-new", reqs[0])
	}
	if got := m.Snapshot().ElapsedSeconds; got != 125 {
		t.Errorf("elapsed = %d, want 125", got)
	}
}

func TestMeter_FlushBillsRemainderOnceAndClears(t *testing.T) {
	m, fc, d, store := newTestMeter(t, func(c *MeterConfig) { c.Tick = 3 * time.Minute })
	ctx := context.Background()
	if err := m.Start(ctx, "call-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(3 * time.Minute)

	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	reqs := d.requests()
	if len(reqs) != 2 {
		t.Fatalf("deductions = %d, want 2 (tick + flush)", len(reqs))
	}
	if reqs[1].Minutes != 2 || reqs[1].Boundary != 3 {
		t.Errorf("flush request = %+v, want 2 minutes up to boundary 3", reqs[1])
	}

	var st State
	if ok, _ := store.Get(ctx, kvstore.LiveMinutesKey("user-1"), &st); ok {
		t.Error("counter still persisted after Flush")
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := len(d.requests()); got != 2 {
		t.Errorf("second Flush billed again: %d requests", got)
	}
	fc.Advance(10 * time.Minute)
	if got := len(d.requests()); got != 2 {
		t.Errorf("ticks after Flush billed: %d requests", got)
	}
}

func TestMeter_FailedDeductionIsNotRetried(t *testing.T) {
	var reported []error
	m, fc, d, _ := newTestMeter(t, func(c *MeterConfig) {
		c.OnDeductError = func(err error) { reported = append(reported, err) }
	})
	d.err = ErrInsufficientMinutes
	if err := m.Start(context.Background(), "call-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(30 * time.Second)

	if got := len(d.requests()); got != 1 {
		t.Fatalf("deductions = %d, want exactly 1", got)
	}
	if m.Snapshot().LastDeductedMinute != 1 {
		t.Errorf("LastDeductedMinute = %d, want 1", m.Snapshot().LastDeductedMinute)
	}
	if len(reported) != 1 || !errors.Is(reported[0], ErrInsufficientMinutes) {
		t.Errorf("reported errors = %v", reported)
	}
}

func TestMeter_FlushWithoutOwedMinutesSendsNothing(t *testing.T) {
	m, fc, d, _ := newTestMeter(t)
	ctx := context.Background()
	if err := m.Start(ctx, "call-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(30 * time.Second)
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(d.requests()); got != 1 {
		t.Errorf("deductions = %d, want 1", got)
	}
}

func TestMeter_ReconcileBillsWithoutStopping(t *testing.T) {
	m, fc, d, store := newTestMeter(t, func(c *MeterConfig) { c.Tick = 3 * time.Minute })
	ctx := context.Background()
	if err := m.Start(ctx, "call-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(3 * time.Minute)

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !m.Running() {
		t.Fatal("meter stopped by Reconcile")
	}
	reqs := d.requests()
	if len(reqs) != 2 || reqs[1].Minutes != 2 || reqs[1].Boundary != 3 {
		t.Fatalf("requests = %+v, want reconcile of 2 minutes up to boundary 3", reqs)
	}

	var st State
	ok, err := store.Get(ctx, kvstore.LiveMinutesKey("user-1"), &st)
	if err != nil || !ok {
		t.Fatalf("persisted counter = %v, %v", ok, err)
	}
	if st.LastDeductedMinute != 3 {
		t.Errorf("persisted LastDeductedMinute = %d, want 3", st.LastDeductedMinute)
	}

	// Nothing is owed now, so a second reconcile is a no-op.
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if got := len(d.requests()); got != 2 {
		t.Errorf("second Reconcile billed again: %d requests", got)
	}
}
