package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/speakwell/internal/config"
)

// ErrShuttingDown is returned by [SessionManager.Runtime] after Shutdown.
var ErrShuttingDown = errors.New("app: shutting down")

// RuntimeInfo holds metadata about a user's runtime.
type RuntimeInfo struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	Live      bool      `json:"live"`
	Bridged   bool      `json:"bridged"`
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config *config.Config
	Deps   Deps

	// OnCreate, if set, runs once for every newly built runtime before it is
	// handed out, for example to credit a starting balance.
	OnCreate func(ctx context.Context, rt *Runtime)
}

// SessionManager keeps one [Runtime] per user and builds them lazily.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	deps     Deps
	onCreate func(ctx context.Context, rt *Runtime)
	cfg      atomic.Pointer[config.Config]

	mu       sync.Mutex
	runtimes map[string]*entry
	shut     bool
}

type entry struct {
	rt      *Runtime
	created time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = slog.Default()
	}
	sm := &SessionManager{
		deps:     cfg.Deps,
		onCreate: cfg.OnCreate,
		runtimes: make(map[string]*entry),
	}
	sm.cfg.Store(cfg.Config)
	return sm
}

// SetConfig replaces the configuration used for runtimes built from now on.
// Existing runtimes keep their timings.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.cfg.Store(cfg)
}

// Runtime returns the runtime of userID, building it on first use. A new
// runtime restores any test the user left unfinished.
func (sm *SessionManager) Runtime(ctx context.Context, userID string) (*Runtime, error) {
	sm.mu.Lock()
	if sm.shut {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if e, ok := sm.runtimes[userID]; ok {
		sm.mu.Unlock()
		e.rt.touch()
		return e.rt, nil
	}
	sm.mu.Unlock()

	rt, err := NewRuntime(userID, sm.cfg.Load(), sm.deps)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	if sm.shut {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if e, ok := sm.runtimes[userID]; ok {
		// Lost a race with a concurrent build; the new runtime never started.
		sm.mu.Unlock()
		return e.rt, nil
	}
	sm.runtimes[userID] = &entry{rt: rt, created: sm.now()}
	sm.mu.Unlock()

	if err := rt.Controller.Restore(ctx); err != nil {
		sm.deps.Logger.Warn("app: restore unfinished test", "user_id", userID, "err", err)
	}
	if sm.onCreate != nil {
		sm.onCreate(ctx, rt)
	}
	sm.deps.Logger.Info("app: runtime created", "user_id", userID)
	return rt, nil
}

// Lookup returns the runtime of userID without building one.
func (sm *SessionManager) Lookup(userID string) (*Runtime, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	e, ok := sm.runtimes[userID]
	if !ok {
		return nil, false
	}
	return e.rt, true
}

// Closed reports whether Shutdown has been called.
func (sm *SessionManager) Closed() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.shut
}

// IsLive reports whether userID has a call connecting or active in this
// process.
func (sm *SessionManager) IsLive(userID string) bool {
	rt, ok := sm.Lookup(userID)
	return ok && rt.Live()
}

// List returns metadata about every runtime, sorted by user id.
func (sm *SessionManager) List() []RuntimeInfo {
	sm.mu.Lock()
	entries := make([]*entry, 0, len(sm.runtimes))
	for _, e := range sm.runtimes {
		entries = append(entries, e)
	}
	sm.mu.Unlock()

	out := make([]RuntimeInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, RuntimeInfo{
			UserID:    e.rt.UserID,
			CreatedAt: e.created,
			Live:      e.rt.Live(),
			Bridged:   e.rt.Bridged(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Evict shuts down and forgets runtimes that have been idle for longer than
// idle. It returns the number of runtimes evicted.
func (sm *SessionManager) Evict(ctx context.Context, idle time.Duration) int {
	before := sm.now().Add(-idle)

	sm.mu.Lock()
	var victims []*Runtime
	for id, e := range sm.runtimes {
		if e.rt.Idle(before) {
			victims = append(victims, e.rt)
			delete(sm.runtimes, id)
		}
	}
	sm.mu.Unlock()

	for _, rt := range victims {
		if err := rt.Shutdown(ctx); err != nil {
			sm.deps.Logger.Warn("app: evict runtime", "user_id", rt.UserID, "err", err)
		}
	}
	if len(victims) > 0 {
		sm.deps.Logger.Info("app: evicted idle runtimes", "count", len(victims))
	}
	return len(victims)
}

// Shutdown settles billing and ends the calls of every runtime. Calls that
// are cut off keep their test state for a later restore. After Shutdown no
// new runtimes are built.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.shut = true
	rts := make([]*Runtime, 0, len(sm.runtimes))
	for _, e := range sm.runtimes {
		rts = append(rts, e.rt)
	}
	sm.runtimes = make(map[string]*entry)
	sm.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, rt := range rts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %s: %w", rt.UserID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sm.deps.Logger.Info("app: runtimes shut down", "count", len(rts))
	return errors.Join(errs...)
}

func (sm *SessionManager) now() time.Time {
	if sm.deps.Clock == nil {
		return time.Now()
	}
	return sm.deps.Clock.Now()
}
