package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/observe"
)

// DefaultSweepSchedule runs the sweeper every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// SweeperConfig configures a [Sweeper].
type SweeperConfig struct {
	Store    kvstore.Store
	Deducter Deducter

	// StaleAfter is how long a counter may go without an update before it is
	// considered abandoned. It must comfortably exceed the meter tick.
	StaleAfter time.Duration

	// Schedule is a standard five-field cron expression. Default:
	// DefaultSweepSchedule.
	Schedule string

	// GraceSeconds must match the meters' grace shift.
	GraceSeconds int

	// IsLive, if set, reports users whose runtime is still active in this
	// process. Their counters are never swept.
	IsLive func(userID string) bool

	Clock   clock.Clock
	Metrics *observe.Metrics
}

// Sweeper settles live-minute counters left behind by runtimes that never
// flushed, for example after a crash. Each abandoned counter is billed for
// its owed minutes in one request and then removed.
type Sweeper struct {
	cfg  SweeperConfig
	cron *cron.Cron
}

// NewSweeper validates cfg and schedules the sweep. Call Start to run it.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil || cfg.Deducter == nil {
		return nil, errors.New("billing: sweeper needs a store and a deducter")
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("billing: sweeper stale_after must be positive, got %s", cfg.StaleAfter)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.GraceSeconds == 0 {
		cfg.GraceSeconds = DefaultGraceSeconds
	} else if cfg.GraceSeconds < 0 {
		cfg.GraceSeconds = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Sweeper{cfg: cfg, cron: cron.New()}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := s.Sweep(ctx); err != nil {
			slog.Warn("billing: sweep finished with errors", "settled", n, "err", err)
		} else if n > 0 {
			slog.Info("billing: settled abandoned counters", "settled", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("billing: sweeper schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// be done.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep settles every stale counter once and returns how many were settled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	keys, err := s.cfg.Store.Keys(ctx, kvstore.LiveMinutesPrefix)
	if err != nil {
		return 0, fmt.Errorf("billing: sweep: %w", err)
	}

	now := s.cfg.Clock.Now()
	var (
		settled int
		errs    []error
	)
	for _, key := range keys {
		userID := strings.TrimPrefix(key, kvstore.LiveMinutesPrefix)
		if s.cfg.IsLive != nil && s.cfg.IsLive(userID) {
			continue
		}
		var st State
		ok, err := s.cfg.Store.Get(ctx, key, &st)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok || now.Sub(st.UpdatedAt) < s.cfg.StaleAfter {
			continue
		}

		// Remove first so a concurrent sweep in another process cannot bill
		// the same counter twice.
		if err := s.cfg.Store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("billing: sweep %s: %w", key, err))
			continue
		}
		settled++

		owed := st.Owed(s.cfg.GraceSeconds)
		if owed == 0 {
			continue
		}
		req := DeductRequest{
			UserID:   userID,
			CallID:   st.CallID,
			Minutes:  owed,
			Boundary: st.LastDeductedMinute + owed,
		}
		err = s.cfg.Deducter.Deduct(ctx, req)
		s.cfg.Metrics.RecordDeduction(ctx, owed, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("billing: sweep %s: %w", key, err))
			continue
		}
		slog.Info("billing: settled abandoned counter",
			"user_id", userID, "call_id", st.CallID, "minutes", owed)
	}
	return settled, errors.Join(errs...)
}
