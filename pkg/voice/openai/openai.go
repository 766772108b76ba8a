// Package openai implements voice.Provider on top of the OpenAI Realtime API.
//
// Each client owns one WebSocket connection to the Realtime endpoint and
// translates the JSON server events into the vendor event vocabulary of
// package voice. Microphone audio is sent as base64-encoded PCM16 chunks.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakwell/pkg/types"
	"github.com/MrWong99/speakwell/pkg/voice"
)

var (
	_ voice.Provider = (*Provider)(nil)
	_ voice.Client   = (*client)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"
)

// ErrClosed is returned by client methods after Stop.
var ErrClosed = errors.New("openai: call closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the WebSocket endpoint. Used in tests to point at a
// local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe the candidate's
// speech.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider creates OpenAI Realtime clients.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewClient returns an unconnected client. The connection is opened by Start.
func (p *Provider) NewClient(_ context.Context) (voice.Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		p:      p,
		events: make(chan voice.Event, 64),
		audio:  make(chan []byte, 64),
		ready:  make(chan string, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// session.created
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// response.audio.delta, response.audio_transcript.delta and
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done and
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── client ─────────────────────────────────────────────────────────────────────

type client struct {
	p      *Provider
	events chan voice.Event
	audio  chan []byte
	ready  chan string

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	muted   bool
	// examinerText and userText accumulate partial transcripts until the
	// matching done event arrives.
	examinerText string
	userText     string

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

// Start dials the Realtime endpoint, configures the session and waits for
// session.created.
func (c *client) Start(ctx context.Context, cfg voice.AssistantConfig, o voice.Overrides) (voice.Call, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return voice.Call{}, ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return voice.Call{}, fmt.Errorf("openai: call already started")
	}
	c.started = true
	c.mu.Unlock()

	c.emit(voice.Event{Type: voice.EventCallStart})
	c.emit(voice.Event{Type: voice.EventCallStartProgress, Progress: "dialing"})

	wsURL := fmt.Sprintf("%s?model=%s", c.p.baseURL, c.p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return voice.Call{}, c.failStart(fmt.Errorf("openai: dial: %w", err))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "call ended")
		return voice.Call{}, c.failStart(ErrClosed)
	}
	c.conn = conn
	c.mu.Unlock()

	c.emit(voice.Event{Type: voice.EventCallStartProgress, Progress: "configuring"})
	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:                   cfg.Voice,
			Instructions:            cfg.Render(o),
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionParams{Model: c.p.transcriptionModel},
			TurnDetection:           &turnDetectionParams{Type: "server_vad"},
		},
	}
	if err := c.writeJSON(update); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return voice.Call{}, c.failStart(fmt.Errorf("openai: session update: %w", err))
	}

	c.loopDone = make(chan struct{})
	go c.receiveLoop(conn)

	var id string
	select {
	case id = <-c.ready:
	case <-c.loopDone:
		return voice.Call{}, fmt.Errorf("openai: connection closed before session was created")
	case <-ctx.Done():
		c.Stop(context.Background())
		return voice.Call{}, fmt.Errorf("openai: start: %w", ctx.Err())
	}

	if cfg.Greeting != "" {
		if err := c.writeJSON(responseCreateMessage{
			Type:     "response.create",
			Response: &responseParams{Instructions: cfg.Greeting},
		}); err != nil {
			slog.Warn("openai: greeting request failed", "err", err)
		}
	}
	return voice.Call{ID: id}, nil
}

// failStart reports a start failure on the event stream and closes it. It is
// only called before the receive loop runs, so Start is the sole writer.
func (c *client) failStart(err error) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.emit(voice.Event{Type: voice.EventCallStartFailed, Err: err})
	c.closeChannels()
	return err
}

// Stop closes the connection. The receive loop then emits call-end. A Stop
// racing a Start that is still dialing makes that Start fail.
func (c *client) Stop(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, started := c.conn, c.started
	c.mu.Unlock()

	c.cancel()
	switch {
	case conn != nil:
		conn.Close(websocket.StatusNormalClosure, "call ended")
	case !started:
		c.closeChannels()
	}
	return nil
}

// SetMuted toggles microphone forwarding. Muting also clears any audio the
// server has buffered but not yet committed.
func (c *client) SetMuted(muted bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	changed := c.muted != muted
	c.muted = muted
	hasConn := c.conn != nil
	c.mu.Unlock()

	if muted && changed && hasConn {
		return c.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
	}
	return nil
}

// Send injects a conversation item and optionally requests a response.
func (c *client) Send(_ context.Context, ev voice.OutboundEvent) error {
	if ev.Type != voice.OutboundAddMessage {
		return fmt.Errorf("openai: unsupported outbound event %q", ev.Type)
	}
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	role, part := "user", "input_text"
	switch ev.Role {
	case types.RoleSystem:
		role = "system"
	case types.RoleExaminer:
		role, part = "assistant", "text"
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: part, Text: ev.Content}},
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return err
	}
	if ev.TriggerResponse {
		return c.writeJSON(responseCreateMessage{Type: "response.create"})
	}
	return nil
}

// Events returns the translated event stream.
func (c *client) Events() <-chan voice.Event { return c.events }

// SendAudio forwards a PCM16 chunk unless the client is muted.
func (c *client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	muted := c.muted
	c.mu.Unlock()
	if muted {
		return nil
	}
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Audio returns the examiner's synthesised speech.
func (c *client) Audio() <-chan []byte { return c.audio }

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	return conn.Write(c.ctx, websocket.MessageText, data)
}

// emit delivers ev unless the client has been stopped and nobody is reading.
func (c *client) emit(ev voice.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
		select {
		case c.events <- ev:
		default:
		}
	}
}

// receiveLoop reads server events until the connection closes. It owns the
// event and audio channels: on exit it emits call-end and closes both.
func (c *client) receiveLoop(conn *websocket.Conn) {
	defer close(c.loopDone)
	defer c.closeChannels()
	defer c.emitEnd()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Debug("openai: receive loop ended", "err", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: dropping malformed server event", "err", err)
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *client) emitEnd() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.emit(voice.Event{Type: voice.EventCallEnd})
}

func (c *client) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		id := ""
		if evt.Session != nil {
			id = evt.Session.ID
		}
		c.emit(voice.Event{Type: voice.EventCallStartSuccess})
		select {
		case c.ready <- id:
		default:
		}

	case "input_audio_buffer.speech_started":
		c.emit(voice.Event{Type: voice.EventSpeechStart, Role: types.RoleUser})

	case "input_audio_buffer.speech_stopped":
		c.emit(voice.Event{Type: voice.EventSpeechEnd, Role: types.RoleUser})

	case "response.created":
		c.emit(voice.Event{Type: voice.EventSpeechStart, Role: types.RoleExaminer})

	case "response.done":
		c.emit(voice.Event{Type: voice.EventSpeechEnd, Role: types.RoleExaminer})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		select {
		case c.audio <- pcm:
		default:
		}

	case "response.audio_transcript.delta":
		c.mu.Lock()
		c.examinerText += evt.Delta
		text := c.examinerText
		c.mu.Unlock()
		c.emitFragment(types.RoleExaminer, text, false)

	case "response.audio_transcript.done":
		c.mu.Lock()
		text := c.examinerText
		c.examinerText = ""
		c.mu.Unlock()
		if evt.Transcript != "" {
			text = evt.Transcript
		}
		c.emitFragment(types.RoleExaminer, text, true)

	case "conversation.item.input_audio_transcription.delta":
		c.mu.Lock()
		c.userText += evt.Delta
		text := c.userText
		c.mu.Unlock()
		c.emitFragment(types.RoleUser, text, false)

	case "conversation.item.input_audio_transcription.completed":
		c.mu.Lock()
		text := c.userText
		c.userText = ""
		c.mu.Unlock()
		if evt.Transcript != "" {
			text = evt.Transcript
		}
		c.emitFragment(types.RoleUser, text, true)

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.emit(voice.Event{Type: voice.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

func (c *client) emitFragment(role types.Role, text string, final bool) {
	if text == "" {
		return
	}
	c.emit(voice.Event{
		Type:    voice.EventMessage,
		Message: &voice.TranscriptFragment{Role: role, Text: text, Final: final},
	})
}

func (c *client) closeChannels() {
	c.closeOnce.Do(func() {
		close(c.events)
		close(c.audio)
	})
}
