package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/pkg/types"
	"github.com/MrWong99/speakwell/pkg/voice"
	"github.com/MrWong99/speakwell/pkg/voice/mock"
)

// recorder captures handler invocations.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	messages []types.Message
	speech   []string
	errs     []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStatus: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnMessage: func(m types.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, m)
		},
		OnSpeech: func(role types.Role, speaking bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			state := "end"
			if speaking {
				state = "start"
			}
			r.speech = append(r.speech, string(role)+":"+state)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() ([]Status, []types.Message, []string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...),
		append([]types.Message(nil), r.messages...),
		append([]string(nil), r.speech...),
		append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestSession(t *testing.T, clients ...*mock.Client) (*Session, *mock.Provider, *clock.Fake, *recorder) {
	t.Helper()
	p := &mock.Provider{Clients: clients}
	fake := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	s, err := New(Config{Provider: p, Clock: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	s.SetHandlers(rec.handlers())
	return s, p, fake, rec
}

func startActive(t *testing.T, s *Session) {
	t.Helper()
	if err := s.StartSession(context.Background(), voice.AssistantConfig{Instructions: "Examine {{name}}"}, voice.Overrides{Variables: map[string]string{"name": "Ana"}}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
}

func TestStartSession_Success(t *testing.T) {
	c := mock.NewClient("call-42")
	s, _, fake, rec := newTestSession(t, c)

	startActive(t, s)

	st := s.State()
	if st.Status != StatusActive {
		t.Fatalf("status = %v, want active", st.Status)
	}
	if st.CallID != "call-42" {
		t.Errorf("CallID = %q, want call-42", st.CallID)
	}
	if !st.StartedAt.Equal(fake.Now()) {
		t.Errorf("StartedAt = %v, want %v", st.StartedAt, fake.Now())
	}
	statuses, _, _, _ := rec.snapshot()
	if len(statuses) != 2 || statuses[0] != StatusConnecting || statuses[1] != StatusActive {
		t.Errorf("statuses = %v, want [connecting active]", statuses)
	}
	if len(c.StartCalls) != 1 || c.StartCalls[0].Overrides.Variables["name"] != "Ana" {
		t.Errorf("StartCalls = %+v", c.StartCalls)
	}
}

func TestStartSession_Failure(t *testing.T) {
	c := mock.NewClient("")
	c.StartErr = errors.New("assistant not found")
	s, _, _, rec := newTestSession(t, c)

	err := s.StartSession(context.Background(), voice.AssistantConfig{}, voice.Overrides{})
	if err == nil || !errors.Is(err, c.StartErr) {
		t.Fatalf("StartSession err = %v, want wrapped StartErr", err)
	}
	if got := s.Status(); got != StatusFailed {
		t.Fatalf("status = %v, want failed", got)
	}
	if s.Err() == nil || s.State().LastError == "" {
		t.Error("failure not recorded")
	}
	statuses, _, _, _ := rec.snapshot()
	if statuses[len(statuses)-1] != StatusFailed {
		t.Errorf("statuses = %v, want failed last", statuses)
	}
}

func TestStartSession_ProviderFailure(t *testing.T) {
	s, p, _, _ := newTestSession(t)
	p.NewClientErr = errors.New("no credentials")

	if err := s.StartSession(context.Background(), voice.AssistantConfig{}, voice.Overrides{}); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Status(); got != StatusFailed {
		t.Fatalf("status = %v, want failed", got)
	}
}

func TestEndSession_IsOptimistic(t *testing.T) {
	c := mock.NewClient("call-1")
	s, _, _, _ := newTestSession(t, c)
	startActive(t, s)

	if err := s.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if got := s.Status(); got != StatusFinished {
		t.Fatalf("status = %v, want finished", got)
	}
	if c.Stops() != 1 {
		t.Errorf("Stop calls = %d, want 1", c.Stops())
	}
}

func TestEvents_OnlyFinalMessagesForwarded(t *testing.T) {
	c := mock.NewClient("call-1")
	s, _, _, rec := newTestSession(t, c)
	startActive(t, s)

	c.Emit(voice.Event{Type: voice.EventMessage, Message: &voice.TranscriptFragment{Role: types.RoleExaminer, Text: "Good morn"}})
	c.Emit(voice.Event{Type: voice.EventMessage, Message: &voice.TranscriptFragment{Role: types.RoleExaminer, Text: "Good morning.", Final: true}})
	c.Emit(voice.Event{Type: voice.EventMessage, Message: &voice.TranscriptFragment{Role: types.RoleUser, Text: "  ", Final: true}})
	c.Emit(voice.Event{Type: voice.EventMessage, Message: &voice.TranscriptFragment{Role: types.RoleUser, Text: "Hello!", Final: true}})

	waitFor(t, "two messages", func() bool {
		_, msgs, _, _ := rec.snapshot()
		return len(msgs) == 2
	})
	_, msgs, _, _ := rec.snapshot()
	if msgs[0].Role != types.RoleExaminer || msgs[0].Content != "Good morning." {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleUser || msgs[1].Content != "Hello!" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestEvents_SpeechAndErrors(t *testing.T) {
	c := mock.NewClient("call-1")
	s, _, _, rec := newTestSession(t, c)
	startActive(t, s)

	c.Emit(voice.Event{Type: voice.EventSpeechStart, Role: types.RoleExaminer})
	c.Emit(voice.Event{Type: voice.EventError, Err: errors.New("rate limit")})
	c.Emit(voice.Event{Type: voice.EventSpeechStart, Role: types.RoleUser})
	c.Emit(voice.Event{Type: voice.EventSpeechEnd, Role: types.RoleExaminer})

	waitFor(t, "speech events", func() bool {
		_, _, speech, _ := rec.snapshot()
		return len(speech) == 3
	})
	st := s.State()
	if st.ExaminerSpeaking || !st.UserSpeaking {
		t.Errorf("speaking = (examiner %v, user %v), want (false, true)", st.ExaminerSpeaking, st.UserSpeaking)
	}
	_, _, _, errs := rec.snapshot()
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want 1", errs)
	}
	if st.Status != StatusActive {
		t.Errorf("status = %v, vendor errors must not end the call", st.Status)
	}
}

func TestEvents_CallEndFinishes(t *testing.T) {
	c := mock.NewClient("call-1")
	s, _, _, _ := newTestSession(t, c)
	startActive(t, s)

	c.End()
	waitFor(t, "finished", func() bool { return s.Status() == StatusFinished })
}

func TestTriggerWindDown(t *testing.T) {
	c := mock.NewClient("call-1")
	s, _, fake, _ := newTestSession(t, c)

	if ok, _ := s.TriggerWindDown(context.Background()); ok {
		t.Fatal("wind-down before start must be a no-op")
	}

	startActive(t, s)
	ok, err := s.TriggerWindDown(context.Background())
	if err != nil || !ok {
		t.Fatalf("TriggerWindDown = %v, %v", ok, err)
	}
	if ok, _ := s.TriggerWindDown(context.Background()); ok {
		t.Fatal("second wind-down must be a no-op")
	}

	sent := c.SentEvents()
	if len(sent) != 1 {
		t.Fatalf("sent = %d events, want 1", len(sent))
	}
	if sent[0].Type != voice.OutboundAddMessage || sent[0].Role != types.RoleSystem || !sent[0].TriggerResponse {
		t.Errorf("sent[0] = %+v", sent[0])
	}
	if !c.Muted() || !s.State().Muted || !s.State().WindDownTriggered {
		t.Error("wind-down should mute the user and set the flag")
	}

	fake.Advance(DefaultWindDownFallback - time.Second)
	if c.Stops() != 0 {
		t.Fatal("fallback fired early")
	}
	fake.Advance(time.Second)
	if c.Stops() != 1 {
		t.Fatalf("Stop calls = %d, want 1 after fallback", c.Stops())
	}
	if got := s.Status(); got != StatusFinished {
		t.Fatalf("status = %v, want finished", got)
	}
}

func TestTriggerWindDown_FallbackClearedByNaturalEnd(t *testing.T) {
	c := mock.NewClient("call-1")
	s, _, fake, _ := newTestSession(t, c)
	startActive(t, s)

	if ok, _ := s.TriggerWindDown(context.Background()); !ok {
		t.Fatal("wind-down not triggered")
	}
	c.End()
	waitFor(t, "finished", func() bool { return s.Status() == StatusFinished })

	if fake.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", fake.Pending())
	}
	fake.Advance(time.Minute)
	if c.Stops() != 0 {
		t.Errorf("Stop calls = %d, fallback must not fire after the call ended", c.Stops())
	}
}

func TestStartSession_ResetsFlagsAndTearsDownPrevious(t *testing.T) {
	first := mock.NewClient("call-1")
	second := mock.NewClient("call-2")
	s, _, _, _ := newTestSession(t, first, second)

	startActive(t, s)
	if _, err := s.TriggerWindDown(context.Background()); err != nil {
		t.Fatalf("TriggerWindDown: %v", err)
	}

	startActive(t, s)
	if first.Stops() != 1 {
		t.Errorf("previous client Stop calls = %d, want 1", first.Stops())
	}

	// The first client's call-end must not affect the new call.
	waitFor(t, "first stream drained", func() bool { return len(first.Events()) == 0 })
	time.Sleep(10 * time.Millisecond)

	st := s.State()
	if st.Status != StatusActive || st.CallID != "call-2" {
		t.Fatalf("state = %+v, want active call-2", st)
	}
	if st.Muted || st.WindDownTriggered {
		t.Errorf("flags not reset: muted=%v windDown=%v", st.Muted, st.WindDownTriggered)
	}
	if ok, _ := s.TriggerWindDown(context.Background()); !ok {
		t.Error("wind-down should be available again after a fresh start")
	}
}

func TestSetVolume(t *testing.T) {
	c := mock.NewClient("call-1")
	s, _, _, _ := newTestSession(t, c)
	startActive(t, s)

	for _, level := range []float64{0, 0.7, -1, 1} {
		if err := s.SetVolume(level); err != nil {
			t.Fatalf("SetVolume(%v): %v", level, err)
		}
	}
	want := []bool{true, false, true, false}
	if len(c.MuteCalls) != len(want) {
		t.Fatalf("MuteCalls = %v, want %v", c.MuteCalls, want)
	}
	for i := range want {
		if c.MuteCalls[i] != want[i] {
			t.Errorf("MuteCalls[%d] = %v, want %v", i, c.MuteCalls[i], want[i])
		}
	}
	if s.State().Muted {
		t.Error("state should be unmuted")
	}
}

func TestEndSession_WhileConnecting(t *testing.T) {
	c := mock.NewClient("call-1")
	c.StartBlock = make(chan struct{})
	s, _, _, _ := newTestSession(t, c)

	done := make(chan error, 1)
	go func() {
		done <- s.StartSession(context.Background(), voice.AssistantConfig{}, voice.Overrides{})
	}()
	waitFor(t, "connecting", func() bool { return s.Status() == StatusConnecting && s.Client() != nil })

	if err := s.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	close(c.StartBlock)

	if err := <-done; !errors.Is(err, ErrEnded) {
		t.Fatalf("StartSession err = %v, want ErrEnded", err)
	}
	if got := s.Status(); got != StatusFinished {
		t.Fatalf("status = %v, want finished", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInactive, StatusConnecting, true},
		{StatusInactive, StatusActive, false},
		{StatusConnecting, StatusActive, true},
		{StatusConnecting, StatusFailed, true},
		{StatusActive, StatusFailed, false},
		{StatusActive, StatusFinished, true},
		{StatusFinished, StatusActive, false},
		{StatusFinished, StatusConnecting, true},
		{StatusFailed, StatusConnecting, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}
