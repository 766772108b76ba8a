package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/speakwell/internal/billing"
	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/config"
	"github.com/MrWong99/speakwell/internal/conversation"
	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/navguard"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/internal/permission"
	"github.com/MrWong99/speakwell/internal/recorder"
	"github.com/MrWong99/speakwell/internal/results"
	"github.com/MrWong99/speakwell/pkg/voice"
)

// ErrBridgeAttached is returned by [Runtime.AttachBridge] while another audio
// bridge is open for the same user.
var ErrBridgeAttached = errors.New("app: an audio bridge is already attached")

// Deps are the process-wide collaborators shared by every [Runtime].
type Deps struct {
	Provider voice.Provider
	Analyzer grading.Analyzer
	Results  results.Saver

	// Store is the shared, unscoped state store. Runtimes scope it per user
	// for test state and use it unscoped for billing counters.
	Store    kvstore.Store
	Deducter billing.Deducter

	Clock   clock.Clock
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Runtime is one user's speaking-test stack: the conversation hook, the
// recorder, the navigation guard, the billing meter and the microphone
// preflight. All methods are safe for concurrent use.
type Runtime struct {
	UserID string

	Conversation *conversation.Session
	Controller   *recorder.Controller
	Guard        *navguard.Guard
	Meter        *billing.Meter
	Preflight    *permission.Preflight

	// Outbox collects the navigations the client has to perform.
	Outbox *navguard.Outbox

	// Notices collects user-facing notices until the client drains them.
	Notices *recorder.NoticeQueue

	reported *reportedPermission
	bridged  atomic.Bool
	lastSeen atomic.Int64
	clock    clock.Clock
}

// NewRuntime builds the stack for userID from the test and billing sections
// of cfg.
func NewRuntime(userID string, cfg *config.Config, deps Deps) (*Runtime, error) {
	if userID == "" {
		return nil, errors.New("app: user id is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	log := deps.Logger.With("user_id", userID)

	rt := &Runtime{
		UserID:   userID,
		Outbox:   navguard.NewOutbox(0),
		Notices:  recorder.NewNoticeQueue(0),
		reported: &reportedPermission{},
		clock:    deps.Clock,
	}
	rt.touch()

	conv, err := conversation.New(conversation.Config{
		Provider:         deps.Provider,
		Clock:            deps.Clock,
		WindDownFallback: cfg.Test.WindDownFallback,
		Metrics:          deps.Metrics,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: conversation: %w", err)
	}
	rt.Conversation = conv

	rt.Meter = billing.NewMeter(billing.MeterConfig{
		UserID:       userID,
		Store:        deps.Store,
		Deducter:     deps.Deducter,
		Clock:        deps.Clock,
		GraceSeconds: cfg.Billing.GraceSeconds,
		Metrics:      deps.Metrics,
		OnDeductError: func(err error) {
			if errors.Is(err, billing.ErrInsufficientMinutes) {
				rt.Notices.Notify(recorder.Notice{
					Kind:    recorder.NoticeError,
					Title:   "Out of minutes",
					Message: "Your speaking minutes have run out. The test will end now.",
					At:      deps.Clock.Now(),
				})
				go func() {
					if err := conv.EndSession(context.Background()); err != nil {
						log.Warn("app: end call after running out of minutes", "err", err)
					}
				}()
			}
		},
	})

	rt.Preflight = permission.New(rt.reported, permission.ProberFunc(rt.probe))

	ctrl, err := recorder.New(recorder.Config{
		UserID:       userID,
		Conversation: conv,
		Preflight:    rt.Preflight,
		Meter:        rt.Meter,
		Analyzer:     deps.Analyzer,
		Results:      deps.Results,
		Store:        kvstore.Scoped(deps.Store, userID),
		Navigator: navguard.NavigatorFunc(func(ctx context.Context, in navguard.Intent) error {
			return rt.Guard.Navigator().Navigate(ctx, in)
		}),
		Notifier:            rt.Notices,
		Timings:             timingsFrom(cfg.Test),
		MinMessages:         cfg.Test.MinMessages,
		ConclusionStopDelay: cfg.Test.ConclusionStopDelay,
		PreparationTime:     cfg.Test.PreparationTime,
		SilenceTimeout:      cfg.Test.SilenceTimeout,
		FinalizeTimeout:     cfg.Test.FinalizeTimeout,
		Clock:               deps.Clock,
		Metrics:             deps.Metrics,
		Logger:              deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: recorder: %w", err)
	}
	rt.Controller = ctrl

	guard, err := navguard.New(navguard.Config{
		Navigator:  rt.Outbox,
		Active:     ctrl.Active,
		Stopper:    ctrl,
		Reconciler: ctrl,
		Prompter: navguard.PrompterFunc(func(in navguard.Intent) {
			rt.Notices.Notify(recorder.Notice{
				Kind:    recorder.NoticeConfirmNavigation,
				Title:   "Leave the test?",
				Message: "Your speaking test is still running. Leaving now ends it without a score.",
				At:      deps.Clock.Now(),
			})
		}),
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: navigation guard: %w", err)
	}
	rt.Guard = guard

	return rt, nil
}

// ReportPermission records the microphone permission state reported by the
// client.
func (rt *Runtime) ReportPermission(s permission.State) {
	rt.touch()
	rt.reported.set(s)
	rt.Preflight.Observe(s)
}

// AttachBridge registers the audio bridge of the runtime. Examiner audio has
// a single reader, so only one bridge may be attached at a time and a second
// one gets [ErrBridgeAttached]. While the bridge is attached the microphone
// probe succeeds. The returned function detaches it.
func (rt *Runtime) AttachBridge() (detach func(), err error) {
	rt.touch()
	if !rt.bridged.CompareAndSwap(false, true) {
		return nil, ErrBridgeAttached
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			rt.bridged.Store(false)
			rt.touch()
		})
	}, nil
}

// Bridged reports whether an audio bridge is attached.
func (rt *Runtime) Bridged() bool { return rt.bridged.Load() }

// Live reports whether the user's call is connecting or active.
func (rt *Runtime) Live() bool { return rt.Controller.Active() }

// Idle reports whether the runtime has no call, no bridge and no activity
// since before.
func (rt *Runtime) Idle(before time.Time) bool {
	return !rt.Live() && !rt.Bridged() && time.Unix(0, rt.lastSeen.Load()).Before(before)
}

// Shutdown settles billing and ends any live call. The test state is kept
// so a later runtime can restore and finalize it.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if rt.Live() {
		if err := rt.Controller.Unload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// A meter that never ran must not flush: that would drop a counter an
	// earlier process left for the sweeper.
	if rt.Meter.Running() {
		if err := rt.Meter.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rt *Runtime) touch() { rt.lastSeen.Store(rt.clock.Now().UnixNano()) }

// probe succeeds while the client holds an audio bridge open, which
// requires a granted capture stream on its side.
func (rt *Runtime) probe(context.Context) error {
	if rt.Bridged() {
		return nil
	}
	if rt.reported.get() == permission.StateDenied {
		return permission.ErrMicrophoneDenied
	}
	return errors.New("no audio bridge connected")
}

func timingsFrom(t config.TestConfig) map[grading.Mode]recorder.Timings {
	if len(t.Modes) == 0 {
		return nil
	}
	out := make(map[grading.Mode]recorder.Timings, len(t.Modes))
	for m, mt := range t.Modes {
		out[m] = recorder.Timings{Duration: mt.Duration, WindDownLead: mt.WindDownLead}
	}
	return out
}

// reportedPermission answers permission queries with the last state the
// client reported.
type reportedPermission struct {
	mu sync.Mutex
	s  permission.State
}

func (p *reportedPermission) set(s permission.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s = s
}

func (p *reportedPermission) get() permission.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

// Query implements [permission.Querier].
func (p *reportedPermission) Query(context.Context) (permission.State, error) {
	if s := p.get(); s != permission.StateUnknown {
		return s, nil
	}
	return permission.StateUnknown, permission.ErrUnsupported
}
