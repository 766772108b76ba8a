// Package conversation adapts a vendor voice call into application state.
//
// A [Session] owns at most one [voice.Client] at a time. It translates the
// client's event stream into a single [Status] driven by an explicit
// transition table, forwards only final transcript lines, tracks who is
// speaking, and implements the cooperative wind-down with its fallback
// timer. Callers observe the session through [Handlers], which are always
// invoked without the session lock held.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/pkg/types"
	"github.com/MrWong99/speakwell/pkg/voice"
)

// DefaultWindDownFallback is how long a wind-down may take before the
// session is ended regardless of what the examiner does.
const DefaultWindDownFallback = 30 * time.Second

// DefaultWindDownInstruction is the system message injected by
// [Session.TriggerWindDown].
const DefaultWindDownInstruction = "The time for this speaking test is almost over. " +
	"Do not ask any new questions. Briefly thank the candidate and close the test now, " +
	"ending with the sentence: \"That concludes our IELTS speaking test.\""

// ErrEnded is returned by [Session.StartSession] when the session was ended
// or restarted while the call was still connecting.
var ErrEnded = errors.New("conversation: session ended while connecting")

// Handlers receive session notifications. Any field may be nil.
type Handlers struct {
	// OnStatus is called after every status change.
	OnStatus func(Status)

	// OnMessage receives final transcript lines in vendor order.
	OnMessage func(types.Message)

	// OnSpeech reports speech activity of either party.
	OnSpeech func(role types.Role, speaking bool)

	// OnError receives mid-call vendor errors. The session keeps running.
	OnError func(error)
}

// Config configures a [Session].
type Config struct {
	Provider voice.Provider

	// Clock defaults to [clock.Real].
	Clock clock.Clock

	// WindDownFallback defaults to [DefaultWindDownFallback].
	WindDownFallback time.Duration

	// WindDownInstruction defaults to [DefaultWindDownInstruction].
	WindDownInstruction string

	// Metrics is optional.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// State is a point-in-time copy of the session.
type State struct {
	Status            Status    `json:"status"`
	Progress          string    `json:"progress,omitempty"`
	CallID            string    `json:"callId,omitempty"`
	Muted             bool      `json:"muted"`
	WindDownTriggered bool      `json:"windDownTriggered"`
	StartedAt         time.Time `json:"startedAt,omitzero"`
	ExaminerSpeaking  bool      `json:"examinerSpeaking"`
	UserSpeaking      bool      `json:"userSpeaking"`
	LastError         string    `json:"lastError,omitempty"`
}

// Session is the conversation hook for one user. All methods are safe for
// concurrent use.
type Session struct {
	provider    voice.Provider
	clock       clock.Clock
	fallback    time.Duration
	instruction string
	metrics     *observe.Metrics
	log         *slog.Logger

	mu       sync.Mutex
	handlers Handlers
	client   voice.Client
	gen      uint64
	state    State
	lastErr  error
	fbTimer  clock.Timer
}

// New creates an inactive Session.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("conversation: provider is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.WindDownFallback <= 0 {
		cfg.WindDownFallback = DefaultWindDownFallback
	}
	if cfg.WindDownInstruction == "" {
		cfg.WindDownInstruction = DefaultWindDownInstruction
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		provider:    cfg.Provider,
		clock:       cfg.Clock,
		fallback:    cfg.WindDownFallback,
		instruction: cfg.WindDownInstruction,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
	}, nil
}

// SetHandlers replaces the notification callbacks.
func (s *Session) SetHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// Client returns the current vendor client, or nil.
func (s *Session) Client() voice.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Err returns the error that made the last start fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// StartSession connects a new call and blocks until it is active or has
// failed. Any previous call is torn down first and the mute and wind-down
// flags are reset. On failure the status is [StatusFailed] and the vendor
// error is returned.
func (s *Session) StartSession(ctx context.Context, cfg voice.AssistantConfig, o voice.Overrides) error {
	var notes notifications

	s.mu.Lock()
	old := s.client
	s.client = nil
	s.gen++
	gen := s.gen
	s.stopFallbackLocked()
	if s.state.Status.Live() {
		notes.add(s.setStatusLocked(StatusFinished))
	}
	s.state = State{Status: s.state.Status}
	s.lastErr = nil
	notes.add(s.setStatusLocked(StatusConnecting))
	s.mu.Unlock()
	notes.run()

	if old != nil {
		if err := old.Stop(ctx); err != nil {
			s.log.Warn("conversation: stop previous call", "err", err)
		}
	}

	client, err := s.provider.NewClient(ctx)
	if err != nil {
		return s.failStart(gen, fmt.Errorf("conversation: new client: %w", err))
	}

	s.mu.Lock()
	if gen != s.gen || s.state.Status.Terminal() {
		s.mu.Unlock()
		_ = client.Stop(context.WithoutCancel(ctx))
		return ErrEnded
	}
	s.client = client
	s.mu.Unlock()
	go s.pump(gen, client)

	call, err := client.Start(ctx, cfg, o)
	if err != nil {
		err = s.failStart(gen, fmt.Errorf("conversation: start call: %w", err))
		_ = client.Stop(context.WithoutCancel(ctx))
		return err
	}

	s.mu.Lock()
	if gen != s.gen || s.state.Status.Terminal() {
		s.mu.Unlock()
		return ErrEnded
	}
	if call.ID != "" {
		s.state.CallID = call.ID
	}
	notes.add(s.activateLocked())
	callID := s.state.CallID
	s.mu.Unlock()
	notes.run()

	s.log.Info("conversation: call active", "call_id", callID)
	return nil
}

func (s *Session) failStart(gen uint64, err error) error {
	var notes notifications
	s.mu.Lock()
	if gen != s.gen || s.state.Status != StatusConnecting {
		s.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			return ErrEnded
		}
		return err
	}
	s.lastErr = err
	s.state.LastError = err.Error()
	s.client = nil
	notes.add(s.setStatusLocked(StatusFailed))
	s.mu.Unlock()
	notes.run()

	s.log.Warn("conversation: start failed", "err", err)
	return err
}

// EndSession asks the vendor to stop and marks the session finished without
// waiting for the vendor to confirm.
func (s *Session) EndSession(ctx context.Context) error {
	var notes notifications
	s.mu.Lock()
	client := s.client
	s.stopFallbackLocked()
	if s.state.Status.Live() {
		notes.add(s.setStatusLocked(StatusFinished))
	}
	s.mu.Unlock()
	notes.run()

	if client == nil {
		return nil
	}
	if err := client.Stop(ctx); err != nil {
		s.log.Warn("conversation: stop call", "err", err)
		return fmt.Errorf("conversation: stop: %w", err)
	}
	return nil
}

// SetVolume mutes the user's microphone when level is zero or less and
// unmutes it otherwise.
func (s *Session) SetVolume(level float64) error {
	return s.setMuted(level <= 0)
}

func (s *Session) setMuted(muted bool) error {
	s.mu.Lock()
	client := s.client
	live := s.state.Status.Live()
	s.state.Muted = muted
	s.mu.Unlock()

	if client == nil || !live {
		return nil
	}
	if err := client.SetMuted(muted); err != nil {
		return fmt.Errorf("conversation: set muted: %w", err)
	}
	return nil
}

// TriggerWindDown starts the closing phase: the user is muted, the examiner
// is told to conclude, and a fallback timer will end the call if it is
// still running afterwards. It does nothing unless the call is active and no
// wind-down has been triggered yet. The returned bool reports whether this
// call started the wind-down.
func (s *Session) TriggerWindDown(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state.Status != StatusActive || s.state.WindDownTriggered {
		s.mu.Unlock()
		return false, nil
	}
	s.state.WindDownTriggered = true
	s.state.Muted = true
	client := s.client
	gen := s.gen
	s.stopFallbackLocked()
	s.fbTimer = s.clock.AfterFunc(s.fallback, func() { s.windDownExpired(gen) })
	s.mu.Unlock()

	s.log.Info("conversation: wind-down triggered", "fallback", s.fallback)

	var errs []error
	if err := client.SetMuted(true); err != nil {
		errs = append(errs, fmt.Errorf("mute: %w", err))
	}
	err := client.Send(ctx, voice.OutboundEvent{
		Type:            voice.OutboundAddMessage,
		Role:            types.RoleSystem,
		Content:         s.instruction,
		TriggerResponse: true,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("send instruction: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("conversation: wind-down incomplete, relying on fallback timer", "err", err)
		return true, fmt.Errorf("conversation: wind-down: %w", err)
	}
	return true, nil
}

func (s *Session) windDownExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	s.fbTimer = nil
	s.mu.Unlock()

	s.log.Warn("conversation: examiner did not conclude, ending call", "after", s.fallback)
	if s.metrics != nil {
		s.metrics.RecordWindDown(context.Background(), "fallback_stop")
	}
	_ = s.EndSession(context.Background())
}

// ── Event translation ────────────────────────────────────────────────────────

func (s *Session) pump(gen uint64, c voice.Client) {
	for ev := range c.Events() {
		s.handle(gen, ev)
	}

	var notes notifications
	s.mu.Lock()
	if gen == s.gen && s.state.Status.Live() {
		s.log.Info("conversation: vendor stream closed")
		s.stopFallbackLocked()
		notes.add(s.setStatusLocked(StatusFinished))
	}
	s.mu.Unlock()
	notes.run()
}

func (s *Session) handle(gen uint64, ev voice.Event) {
	var notes notifications
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	h := s.handlers

	switch ev.Type {
	case voice.EventCallStart:
		s.log.Debug("conversation: call starting")

	case voice.EventCallStartProgress:
		if s.state.Status == StatusConnecting {
			s.state.Progress = ev.Progress
		}

	case voice.EventCallStartSuccess:
		if s.state.Status == StatusConnecting {
			notes.add(s.activateLocked())
		}

	case voice.EventCallStartFailed:
		if s.state.Status == StatusConnecting {
			err := ev.Err
			if err == nil {
				err = errors.New("vendor rejected the call")
			}
			s.lastErr = err
			s.state.LastError = err.Error()
			notes.add(s.setStatusLocked(StatusFailed))
		}

	case voice.EventCallEnd:
		if s.state.Status.Live() {
			s.stopFallbackLocked()
			notes.add(s.setStatusLocked(StatusFinished))
		}

	case voice.EventMessage:
		m := ev.Message
		if m == nil || !m.Final || !s.state.Status.Live() {
			break
		}
		text := strings.TrimSpace(m.Text)
		if text == "" || h.OnMessage == nil {
			break
		}
		msg := types.Message{Role: m.Role, Content: text, Timestamp: s.clock.Now()}
		notes.add(func() { h.OnMessage(msg) })

	case voice.EventSpeechStart, voice.EventSpeechEnd:
		speaking := ev.Type == voice.EventSpeechStart
		switch ev.Role {
		case types.RoleExaminer:
			s.state.ExaminerSpeaking = speaking
		case types.RoleUser:
			s.state.UserSpeaking = speaking
		}
		if h.OnSpeech != nil {
			role := ev.Role
			notes.add(func() { h.OnSpeech(role, speaking) })
		}

	case voice.EventError:
		s.log.Warn("conversation: vendor error", "err", ev.Err, "call_id", s.state.CallID)
		if h.OnError != nil {
			err := ev.Err
			if err == nil {
				err = errors.New("unknown vendor error")
			}
			notes.add(func() { h.OnError(err) })
		}

	default:
		s.log.Debug("conversation: ignoring vendor event", "type", string(ev.Type))
	}
	s.mu.Unlock()
	notes.run()
}

// ── Locked helpers ───────────────────────────────────────────────────────────

// activateLocked moves a connecting session to active.
func (s *Session) activateLocked() func() {
	if s.state.Status != StatusConnecting {
		return nil
	}
	s.state.StartedAt = s.clock.Now()
	s.state.Progress = ""
	return s.setStatusLocked(StatusActive)
}

// setStatusLocked applies a transition if the table allows it and returns
// the notification to run once the lock is released.
func (s *Session) setStatusLocked(to Status) func() {
	from := s.state.Status
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		s.log.Debug("conversation: rejected status change", "from", from.String(), "to", to.String())
		return nil
	}
	s.state.Status = to

	if s.metrics != nil {
		switch {
		case to == StatusActive:
			s.metrics.ActiveSessions.Add(context.Background(), 1)
		case from == StatusActive:
			s.metrics.ActiveSessions.Add(context.Background(), -1)
			s.metrics.SessionDuration.Record(context.Background(), s.clock.Now().Sub(s.state.StartedAt).Seconds())
		}
	}

	h := s.handlers.OnStatus
	if h == nil {
		return nil
	}
	return func() { h(to) }
}

func (s *Session) stopFallbackLocked() {
	if s.fbTimer != nil {
		s.fbTimer.Stop()
		s.fbTimer = nil
	}
}

// notifications collects callbacks to run after the lock is released.
type notifications []func()

func (n *notifications) add(f func()) {
	if f != nil {
		*n = append(*n, f)
	}
}

func (n *notifications) run() {
	for _, f := range *n {
		f()
	}
	*n = nil
}
