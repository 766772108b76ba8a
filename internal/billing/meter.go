package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/observe"
)

const (
	// DefaultGraceSeconds shifts every minute boundary after the first.
	DefaultGraceSeconds = 5

	// DefaultTick is the metering resolution.
	DefaultTick = time.Second

	deductTimeout = 10 * time.Second
)

// State is the persisted live counter of one user.
type State struct {
	ElapsedSeconds     int       `json:"elapsedSeconds"`
	LastDeductedMinute int       `json:"lastDeductedMinute"`
	CallID             string    `json:"callId"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Owed returns the number of elapsed minutes not yet billed.
func (s State) Owed(graceSeconds int) int {
	owed := MinuteNumber(s.ElapsedSeconds, graceSeconds) - s.LastDeductedMinute
	if owed < 0 {
		return 0
	}
	return owed
}

// MeterConfig configures a [Meter].
type MeterConfig struct {
	UserID string

	// Store persists the counter under kvstore.LiveMinutesKey(UserID). It is
	// normally the shared, unscoped store so that a [Sweeper] can find
	// abandoned counters.
	Store    kvstore.Store
	Deducter Deducter

	// Clock defaults to clock.Real{}.
	Clock clock.Clock

	// GraceSeconds defaults to DefaultGraceSeconds. Negative values disable
	// the grace shift.
	GraceSeconds int

	// Tick defaults to DefaultTick. Every tick adds Tick to the elapsed time,
	// rounded down to whole seconds.
	Tick time.Duration

	Metrics *observe.Metrics

	// OnDeductError, if set, is called with every failed deduction. It runs
	// on the ticking goroutine without any meter lock held.
	OnDeductError func(error)
}

// Meter is the per-user billing counter. All methods are safe for
// concurrent use.
type Meter struct {
	cfg MeterConfig
	key string

	// persistMu serialises store writes against Flush so that a tick can
	// never re-create a counter that Flush has already settled. It is always
	// acquired before mu.
	persistMu sync.Mutex
	persisted int

	mu      sync.Mutex
	state   State
	running bool
	timer   clock.Timer
	// gen invalidates ticks armed before the last Start or Stop.
	gen int
	// flushes counts Flush calls; a tick never persists across a Flush.
	flushes int
}

// NewMeter returns a stopped meter.
func NewMeter(cfg MeterConfig) *Meter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.GraceSeconds == 0 {
		cfg.GraceSeconds = DefaultGraceSeconds
	} else if cfg.GraceSeconds < 0 {
		cfg.GraceSeconds = 0
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Meter{cfg: cfg, key: kvstore.LiveMinutesKey(cfg.UserID)}
}

// Start begins ticking for callID. A counter persisted by an earlier
// runtime of the same user is resumed instead of starting from zero.
// Starting a running meter only updates the call id.
func (m *Meter) Start(ctx context.Context, callID string) error {
	var persisted State
	found, err := m.cfg.Store.Get(ctx, m.key, &persisted)
	if err != nil {
		slog.Warn("billing: could not read persisted counter, starting from zero",
			"user_id", m.cfg.UserID, "err", err)
		found = false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if callID != "" {
		m.state.CallID = callID
	}
	if m.running {
		return nil
	}
	if found && persisted.ElapsedSeconds >= m.state.ElapsedSeconds {
		cid := m.state.CallID
		m.state = persisted
		if cid != "" {
			m.state.CallID = cid
		}
		slog.Info("billing: resumed live counter",
			"user_id", m.cfg.UserID,
			"elapsed_seconds", persisted.ElapsedSeconds,
			"last_deducted_minute", persisted.LastDeductedMinute)
	}
	m.running = true
	m.gen++
	gen := m.gen
	m.timer = m.cfg.Clock.AfterFunc(m.cfg.Tick, func() { m.tick(gen) })
	return nil
}

// Stop halts ticking. The counter stays persisted until Flush.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Meter) stopLocked() {
	m.running = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Running reports whether the meter is ticking.
func (m *Meter) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Snapshot returns the current counter.
func (m *Meter) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Flush stops the meter, bills every elapsed minute not yet billed in one
// request, and removes the persisted counter. The in-memory counter is
// reset so the next Start begins a fresh count. Billing is best-effort: a
// failed request is reported but the minutes are not billed again.
func (m *Meter) Flush(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	m.stopLocked()
	m.flushes++
	st := m.state
	m.state = State{}
	m.mu.Unlock()
	m.persisted = 0

	var errs []error
	if owed := st.Owed(m.cfg.GraceSeconds); owed > 0 {
		boundary := st.LastDeductedMinute + owed
		err := m.deduct(ctx, DeductRequest{
			UserID:   m.cfg.UserID,
			CallID:   st.CallID,
			Minutes:  owed,
			Boundary: boundary,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.cfg.Store.Delete(ctx, m.key); err != nil {
		errs = append(errs, fmt.Errorf("billing: clear counter: %w", err))
	}
	return errors.Join(errs...)
}

// Reconcile bills every elapsed minute not yet billed without stopping the
// meter, then persists the counter. It is used when the client may be about
// to go away but could still stay.
func (m *Meter) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	st := m.state
	owed := st.Owed(m.cfg.GraceSeconds)
	if owed > 0 {
		m.state.LastDeductedMinute += owed
		st = m.state
	}
	flushes := m.flushes
	m.mu.Unlock()

	if owed == 0 {
		return nil
	}
	m.persist(ctx, flushes, st)
	return m.deduct(ctx, DeductRequest{
		UserID:   m.cfg.UserID,
		CallID:   st.CallID,
		Minutes:  owed,
		Boundary: st.LastDeductedMinute,
	})
}

// tick advances the counter by one tick and bills at most one minute.
func (m *Meter) tick(gen int) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state.ElapsedSeconds += int(m.cfg.Tick / time.Second)
	m.state.UpdatedAt = m.cfg.Clock.Now()

	var req *DeductRequest
	if MinuteNumber(m.state.ElapsedSeconds, m.cfg.GraceSeconds) > m.state.LastDeductedMinute {
		m.state.LastDeductedMinute++
		req = &DeductRequest{
			UserID:   m.cfg.UserID,
			CallID:   m.state.CallID,
			Minutes:  1,
			Boundary: m.state.LastDeductedMinute,
		}
	}
	st, flushes := m.state, m.flushes
	m.timer = m.cfg.Clock.AfterFunc(m.cfg.Tick, func() { m.tick(gen) })
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deductTimeout)
	defer cancel()

	m.persist(ctx, flushes, st)
	if req != nil {
		if err := m.deduct(ctx, *req); err != nil && m.cfg.OnDeductError != nil {
			m.cfg.OnDeductError(err)
		}
	}
}

// persist writes st unless the meter was flushed since the tick that
// produced it, or a newer tick already wrote a later count.
func (m *Meter) persist(ctx context.Context, flushes int, st State) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	current := flushes == m.flushes
	m.mu.Unlock()
	if !current || st.ElapsedSeconds < m.persisted {
		return
	}
	if err := m.cfg.Store.Set(ctx, m.key, st); err != nil {
		slog.Warn("billing: persist counter failed", "user_id", m.cfg.UserID, "err", err)
		return
	}
	m.persisted = st.ElapsedSeconds
}

func (m *Meter) deduct(ctx context.Context, req DeductRequest) error {
	err := m.cfg.Deducter.Deduct(ctx, req)
	m.cfg.Metrics.RecordDeduction(ctx, req.Minutes, err)
	if err != nil {
		slog.Warn("billing: deduction failed",
			"user_id", req.UserID,
			"call_id", req.CallID,
			"minutes", req.Minutes,
			"boundary", req.Boundary,
			"err", err)
		return fmt.Errorf("billing: deduct %d minute(s): %w", req.Minutes, err)
	}
	slog.Debug("billing: minutes deducted",
		"user_id", req.UserID,
		"call_id", req.CallID,
		"minutes", req.Minutes,
		"boundary", req.Boundary)
	return nil
}
