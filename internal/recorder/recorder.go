// Package recorder runs a timed speaking test on top of a conversation
// session.
//
// A [Controller] owns everything that happens around one user's call: the
// microphone preflight, the wind-down and hard-stop deadlines, the
// preparation countdown, the silence watchdog, the billing meter, the
// persisted transcript, and the finalization that grades and saves the test.
// Every timer it arms is cancelled together on any terminal transition.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/speakwell/internal/billing"
	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/conversation"
	"github.com/MrWong99/speakwell/internal/cue"
	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/navguard"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/internal/permission"
	"github.com/MrWong99/speakwell/internal/results"
	"github.com/MrWong99/speakwell/pkg/types"
	"github.com/MrWong99/speakwell/pkg/voice"
)

const (
	DefaultMinMessages         = 4
	DefaultConclusionStopDelay = 5 * time.Second
	DefaultPreparationTime     = time.Minute
	DefaultFinalizeTimeout     = 2 * time.Minute
)

var (
	// ErrSessionActive is returned when a test is already running.
	ErrSessionActive = errors.New("recorder: a session is already active")

	// ErrInvalidMode is returned for an unknown test mode.
	ErrInvalidMode = errors.New("recorder: invalid mode")

	// ErrTranscriptTooShort blocks finalization of a transcript with fewer
	// than the minimum number of messages.
	ErrTranscriptTooShort = errors.New("recorder: transcript too short to grade")

	// ErrNoTest is returned by Finalize when there is nothing to finalize.
	ErrNoTest = errors.New("recorder: no test to finalize")

	// ErrFinalizing is returned when a finalization is already running.
	ErrFinalizing = errors.New("recorder: finalization in progress")

	// ErrUnfinishedTest is returned by Start while an ungraded test with a
	// gradable transcript is kept. Finalize it or discard it with Stop first.
	ErrUnfinishedTest = errors.New("recorder: an unfinished test must be finalized or discarded first")
)

// Conversation is the part of [conversation.Session] the controller drives.
type Conversation interface {
	SetHandlers(h conversation.Handlers)
	StartSession(ctx context.Context, cfg voice.AssistantConfig, o voice.Overrides) error
	EndSession(ctx context.Context) error
	TriggerWindDown(ctx context.Context) (bool, error)
	SetVolume(level float64) error
	State() conversation.State
}

// Checker is the microphone preflight.
type Checker interface {
	Check(ctx context.Context) error
}

// Meter is the per-user billing counter.
type Meter interface {
	Start(ctx context.Context, callID string) error
	Flush(ctx context.Context) error
	Reconcile(ctx context.Context) error
	Snapshot() billing.State
}

var (
	_ Conversation = (*conversation.Session)(nil)
	_ Checker      = (*permission.Preflight)(nil)
	_ Meter        = (*billing.Meter)(nil)
)

// TestState is persisted under [kvstore.KeyMockTestState] while a test is in
// progress or waiting to be finalized.
type TestState struct {
	RunID     string       `json:"runId"`
	Mode      grading.Mode `json:"mode"`
	Topic     string       `json:"topic"`
	StartedAt time.Time    `json:"startedAt,omitzero"`
	Completed bool         `json:"completed"`
}

// LastResult is persisted under [kvstore.KeyIELTSResult] after a successful
// finalization.
type LastResult struct {
	ID        string          `json:"id"`
	Mode      grading.Mode    `json:"mode"`
	Topic     string          `json:"topic"`
	Band      float64         `json:"band"`
	Feedback  []grading.Block `json:"feedback"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Config configures a [Controller].
type Config struct {
	UserID string

	// Required collaborators.
	Conversation Conversation
	Preflight    Checker
	Meter        Meter
	Analyzer     grading.Analyzer
	Results      results.Saver

	// Store is the user-scoped test state store. Default: in memory.
	Store kvstore.Store

	// Navigator receives the redirect to the result page. Optional.
	Navigator navguard.Navigator

	// Notifier receives user-facing notices. Optional.
	Notifier Notifier

	// Timings overrides [DefaultTimings] per mode.
	Timings map[grading.Mode]Timings

	// Assistant defaults to [DefaultAssistant].
	Assistant AssistantFunc

	MinMessages         int
	ConclusionStopDelay time.Duration
	PreparationTime     time.Duration

	// SilenceTimeout ends an active call after this long without any speech
	// or transcript line. Zero disables the watchdog.
	SilenceTimeout time.Duration

	// FinalizeTimeout bounds grading and saving after a call ends.
	FinalizeTimeout time.Duration

	Clock    clock.Clock
	Detector *cue.Detector
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// run is one test attempt.
type run struct {
	id         string
	mode       grading.Mode
	topic      string
	startedAt  time.Time
	deadlines  Deadlines
	active     bool
	metered    bool
	completed  bool
	finalizing bool
	aborted    bool
	restored   bool
	preparing  bool
	prepEndsAt time.Time
	resultID   string
}

func (r *run) testState() TestState {
	return TestState{RunID: r.id, Mode: r.mode, Topic: r.topic, StartedAt: r.startedAt, Completed: r.completed}
}

// Controller orchestrates one user's speaking test. All methods are safe for
// concurrent use.
type Controller struct {
	userID         string
	conv           Conversation
	preflight      Checker
	meter          Meter
	analyzer       grading.Analyzer
	results        results.Saver
	store          kvstore.Store
	nav            navguard.Navigator
	notifier       Notifier
	timings        map[grading.Mode]Timings
	assistant      AssistantFunc
	minMessages    int
	concludeDelay  time.Duration
	prepTime       time.Duration
	silenceTimeout time.Duration
	finalizeTO     time.Duration
	clock          clock.Clock
	detector       *cue.Detector
	metrics        *observe.Metrics
	log            *slog.Logger

	mu         sync.Mutex
	starting   bool
	run        *run
	transcript types.Transcript

	windDown slot
	hardStop slot
	conclude slot
	prep     slot
	silence  slot
}

// New returns a Controller and installs its handlers on the conversation.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.UserID == "" {
		errs = append(errs, errors.New("recorder: user id is required"))
	}
	if cfg.Conversation == nil {
		errs = append(errs, errors.New("recorder: conversation is required"))
	}
	if cfg.Preflight == nil {
		errs = append(errs, errors.New("recorder: preflight is required"))
	}
	if cfg.Meter == nil {
		errs = append(errs, errors.New("recorder: meter is required"))
	}
	if cfg.Analyzer == nil {
		errs = append(errs, errors.New("recorder: analyzer is required"))
	}
	if cfg.Results == nil {
		errs = append(errs, errors.New("recorder: results saver is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Store == nil {
		cfg.Store = kvstore.NewMemStore()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(Notice) {})
	}
	if cfg.Assistant == nil {
		cfg.Assistant = DefaultAssistant
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = DefaultMinMessages
	}
	if cfg.ConclusionStopDelay <= 0 {
		cfg.ConclusionStopDelay = DefaultConclusionStopDelay
	}
	if cfg.PreparationTime <= 0 {
		cfg.PreparationTime = DefaultPreparationTime
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Detector == nil {
		cfg.Detector = cue.New(cue.WithNearMissHandler(nearMissReporter(cfg.Metrics, cfg.Logger)))
	}

	c := &Controller{
		userID:         cfg.UserID,
		conv:           cfg.Conversation,
		preflight:      cfg.Preflight,
		meter:          cfg.Meter,
		analyzer:       cfg.Analyzer,
		results:        cfg.Results,
		store:          cfg.Store,
		nav:            cfg.Navigator,
		notifier:       cfg.Notifier,
		timings:        cfg.Timings,
		assistant:      cfg.Assistant,
		minMessages:    cfg.MinMessages,
		concludeDelay:  cfg.ConclusionStopDelay,
		prepTime:       cfg.PreparationTime,
		silenceTimeout: cfg.SilenceTimeout,
		finalizeTO:     cfg.FinalizeTimeout,
		clock:          cfg.Clock,
		detector:       cfg.Detector,
		metrics:        cfg.Metrics,
		log:            cfg.Logger.With("user_id", cfg.UserID),
	}
	c.conv.SetHandlers(conversation.Handlers{
		OnStatus:  c.onStatus,
		OnMessage: c.onMessage,
		OnSpeech:  c.onSpeech,
		OnError:   c.onError,
	})
	return c, nil
}

// TimingsFor returns the timings used for mode.
func (c *Controller) TimingsFor(mode grading.Mode) Timings {
	if t, ok := c.timings[mode]; ok && t.Duration > 0 {
		return t
	}
	return DefaultTimings(mode)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start runs the microphone preflight and connects a new test call. It
// returns once the call is active or has failed. A denied microphone raises
// a blocking permission notice; other failures raise an error notice.
// A kept test that could still be graded is never replaced silently: Start
// returns [ErrUnfinishedTest] until it is finalized or stopped.
func (c *Controller) Start(ctx context.Context, mode grading.Mode, topic string) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	ctx, span := observe.StartSpan(ctx, "recorder.start")
	defer span.End()

	c.mu.Lock()
	if c.starting || c.conv.State().Status.Live() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	if r := c.run; r != nil {
		if r.finalizing {
			c.mu.Unlock()
			return ErrFinalizing
		}
		if r.resultID == "" && len(c.transcript) >= c.minMessages {
			id, n := r.id, len(c.transcript)
			c.mu.Unlock()
			c.log.Info("recorder: start refused, unfinished test kept", "run_id", id, "messages", n)
			return ErrUnfinishedTest
		}
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	if err := c.preflight.Check(ctx); err != nil {
		c.notifyPermission(err)
		c.metrics.RecordSessionStart(ctx, string(mode), "permission_denied")
		return fmt.Errorf("recorder: start: %w", err)
	}

	r := &run{id: ulid.Make().String(), mode: mode, topic: topic}
	c.mu.Lock()
	c.stopTimersLocked()
	c.run = r
	c.transcript = nil
	c.mu.Unlock()

	if err := c.store.Delete(ctx, kvstore.KeyTestMessages); err != nil {
		c.log.Warn("recorder: clear previous transcript", "err", err)
	}
	c.saveState(ctx, r.testState())

	cfg, overrides := c.assistant(mode, topic)
	if err := c.conv.StartSession(ctx, cfg, overrides); err != nil {
		if errors.Is(err, conversation.ErrEnded) {
			c.metrics.RecordSessionStart(ctx, string(mode), "cancelled")
			return fmt.Errorf("recorder: start: %w", err)
		}
		c.metrics.RecordSessionStart(ctx, string(mode), "failed")
		c.log.Warn("recorder: start failed", "mode", string(mode), "err", err)
		c.notify(noticeStartFailed)
		c.clearRun(ctx, r)
		return fmt.Errorf("recorder: start: %w", err)
	}

	c.metrics.RecordSessionStart(ctx, string(mode), "ok")
	c.log.Info("recorder: test started", "mode", string(mode), "run_id", r.id)
	return nil
}

// Stop aborts the test without grading it: the call is ended, the meter is
// settled and all test state is cleared. It is the confirmed-navigation path
// of the guard.
func (c *Controller) Stop(ctx context.Context) error {
	r := c.abort()
	err := c.conv.EndSession(ctx)
	if r != nil {
		c.clearRun(ctx, r)
	}
	if err != nil {
		return fmt.Errorf("recorder: stop: %w", err)
	}
	return nil
}

// Unload ends the call because the page is going away. Billing is settled,
// but the transcript and test state are kept so the test can be restored and
// finalized later.
func (c *Controller) Unload(ctx context.Context) error {
	c.abort()
	if err := c.conv.EndSession(ctx); err != nil {
		return fmt.Errorf("recorder: unload: %w", err)
	}
	return nil
}

// Reconcile bills every elapsed minute without ending the call.
func (c *Controller) Reconcile(ctx context.Context) error {
	return c.meter.Reconcile(ctx)
}

// SetVolume forwards a volume change to the call.
func (c *Controller) SetVolume(level float64) error {
	return c.conv.SetVolume(level)
}

// Active reports whether a call is connecting or active.
func (c *Controller) Active() bool {
	return c.conv.State().Status.Live()
}

// abort marks the current run so that its end is not finalized.
func (c *Controller) abort() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimersLocked()
	r := c.run
	if r != nil {
		r.aborted = true
		r.preparing = false
	}
	return r
}

// clearRun forgets r and its persisted state if it is still current.
func (c *Controller) clearRun(ctx context.Context, r *run) {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.transcript = nil
	c.mu.Unlock()
	c.clearTestState(ctx)
}

// Restore loads a test persisted by an earlier runtime of the same user. The
// restored test is not reconnected; it can be finalized or discarded with
// Stop.
func (c *Controller) Restore(ctx context.Context) error {
	var st TestState
	ok, err := c.store.Get(ctx, kvstore.KeyMockTestState, &st)
	if err != nil {
		return fmt.Errorf("recorder: restore test state: %w", err)
	}
	if !ok {
		return nil
	}
	var msgs types.Transcript
	if _, err := c.store.Get(ctx, kvstore.KeyTestMessages, &msgs); err != nil {
		return fmt.Errorf("recorder: restore transcript: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil
	}
	c.run = &run{
		id:        st.RunID,
		mode:      st.Mode,
		topic:     st.Topic,
		startedAt: st.StartedAt,
		restored:  true,
	}
	c.transcript = msgs
	c.log.Info("recorder: restored test", "run_id", st.RunID, "mode", string(st.Mode), "messages", len(msgs))
	return nil
}

// ── Status ───────────────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Session           conversation.State `json:"session"`
	RunID             string             `json:"runId,omitempty"`
	Mode              grading.Mode       `json:"mode,omitempty"`
	Topic             string             `json:"topic,omitempty"`
	Deadlines         *Deadlines         `json:"deadlines,omitempty"`
	Completed         bool               `json:"completed"`
	Finalizing        bool               `json:"finalizing"`
	Preparing         bool               `json:"preparing"`
	PreparationEndsAt time.Time          `json:"preparationEndsAt,omitzero"`
	Restored          bool               `json:"restored"`
	Messages          int                `json:"messages"`
	ResultID          string             `json:"resultId,omitempty"`
	Billing           billing.State      `json:"billing"`
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{Session: c.conv.State(), Billing: c.meter.Snapshot()}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.Messages = len(c.transcript)
	r := c.run
	if r == nil {
		return s
	}
	s.RunID, s.Mode, s.Topic = r.id, r.mode, r.topic
	if c.windDown.armed() || c.hardStop.armed() {
		d := r.deadlines
		s.Deadlines = &d
	}
	s.Completed = r.completed
	s.Finalizing = r.finalizing
	s.Preparing = r.preparing
	if r.preparing {
		s.PreparationEndsAt = r.prepEndsAt
	}
	s.Restored = r.restored
	s.ResultID = r.resultID
	return s
}

// Transcript returns a copy of the current transcript.
func (c *Controller) Transcript() types.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Clone()
}

// ── Persistence and notices ──────────────────────────────────────────────────

func (c *Controller) saveState(ctx context.Context, st TestState) {
	if err := c.store.Set(ctx, kvstore.KeyMockTestState, st); err != nil {
		c.log.Warn("recorder: persist test state", "err", err)
	}
}

func (c *Controller) saveTranscript(ctx context.Context, msgs types.Transcript) {
	if err := c.store.Set(ctx, kvstore.KeyTestMessages, msgs); err != nil {
		c.log.Warn("recorder: persist transcript", "err", err)
	}
}

func (c *Controller) clearTestState(ctx context.Context) {
	for _, key := range []string{kvstore.KeyTestMessages, kvstore.KeyMockTestState} {
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("recorder: clear test state", "key", key, "err", err)
		}
	}
}

func (c *Controller) notify(n Notice) {
	n.At = c.clock.Now()
	c.notifier.Notify(n)
}

func (c *Controller) notifyPermission(err error) {
	n := Notice{
		Kind:    NoticePermission,
		Title:   "Microphone unavailable",
		Message: "We could not access your microphone. Check that one is connected and not used by another app, then try again.",
	}
	if errors.Is(err, permission.ErrMicrophoneDenied) {
		n.Title = "Microphone access needed"
		n.Message = permission.Remediation
	}
	c.log.Info("recorder: microphone preflight failed", "err", err)
	c.notify(n)
}
