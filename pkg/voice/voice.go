// Package voice defines the contract between the session runtime and a
// real-time voice-conversation vendor.
//
// A vendor adapter wraps one live call with the remote examiner model. It is
// driven imperatively through [Client] (start, stop, mute, send) and reports
// everything that happens on the call as an ordered stream of [Event] values
// whose [EventType] names match the vendor event vocabulary. Only the
// conversation package consumes this stream; the rest of the application never
// sees vendor event names.
//
// All implementations must be safe for concurrent use.
package voice

import (
	"context"
	"strings"

	"github.com/MrWong99/speakwell/pkg/types"
)

// EventType names a vendor event.
type EventType string

// Vendor event names.
const (
	EventCallStart         EventType = "call-start"
	EventCallStartProgress EventType = "call-start-progress"
	EventCallStartSuccess  EventType = "call-start-success"
	EventCallStartFailed   EventType = "call-start-failed"
	EventCallEnd           EventType = "call-end"
	EventMessage           EventType = "message"
	EventSpeechStart       EventType = "speech-start"
	EventSpeechEnd         EventType = "speech-end"
	EventError             EventType = "error"
)

// TranscriptFragment is a piece of recognised or generated speech. Vendors
// emit many partial fragments while a line is being spoken and exactly one
// final fragment once it is complete.
type TranscriptFragment struct {
	Role  types.Role
	Text  string
	Final bool
}

// Event is one item of a call's event stream.
type Event struct {
	Type EventType

	// Progress describes the connection step for EventCallStartProgress.
	Progress string

	// Message is set for EventMessage.
	Message *TranscriptFragment

	// Role is the speaker for EventSpeechStart and EventSpeechEnd.
	Role types.Role

	// Err is set for EventError and EventCallStartFailed.
	Err error
}

// Call identifies a started call. ID may be empty when the vendor does not
// expose one.
type Call struct {
	ID string
}

// AssistantConfig configures the remote examiner for one call.
type AssistantConfig struct {
	// Instructions is the system prompt. It may contain {{name}} placeholders
	// that are filled from [Overrides.Variables].
	Instructions string

	// Voice is the vendor voice identifier. Empty selects the vendor default.
	Voice string

	// Greeting, when non-empty, asks the examiner to speak first with this
	// guidance.
	Greeting string
}

// Overrides carries per-call values layered over an [AssistantConfig].
type Overrides struct {
	Variables map[string]string
}

// Render returns the instructions with every {{name}} placeholder replaced by
// the matching override variable. Unknown placeholders are left untouched.
func (c AssistantConfig) Render(o Overrides) string {
	out := c.Instructions
	for k, v := range o.Variables {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// OutboundAddMessage is the only outbound event type vendors must accept.
const OutboundAddMessage = "add-message"

// OutboundEvent is a message injected into the live conversation.
type OutboundEvent struct {
	Type            string
	Role            types.Role
	Content         string
	TriggerResponse bool
}

// Client is one vendor call. A Client is single-use: after Stop, or after the
// event stream has closed, a new Client must be obtained from a [Provider].
type Client interface {
	// Start connects the call and blocks until the vendor accepts or rejects
	// it, or ctx is done.
	Start(ctx context.Context, cfg AssistantConfig, o Overrides) (Call, error)

	// Stop ends the call. It does not wait for the vendor to confirm; the
	// confirmation arrives as EventCallEnd. Calling Stop more than once is safe.
	Stop(ctx context.Context) error

	// SetMuted stops (true) or resumes (false) forwarding microphone audio.
	SetMuted(muted bool) error

	// Send injects a message into the conversation.
	Send(ctx context.Context, ev OutboundEvent) error

	// Events returns the ordered event stream. It is closed after EventCallEnd
	// or EventCallStartFailed has been delivered.
	Events() <-chan Event

	// SendAudio forwards one chunk of microphone PCM audio. Chunks sent while
	// muted are dropped.
	SendAudio(chunk []byte) error

	// Audio returns the examiner's synthesised PCM audio. Chunks are dropped
	// when nobody is reading.
	Audio() <-chan []byte
}

// Provider creates vendor clients.
type Provider interface {
	NewClient(ctx context.Context) (Client, error)
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func(ctx context.Context) (Client, error)

// NewClient calls f(ctx).
func (f ProviderFunc) NewClient(ctx context.Context) (Client, error) { return f(ctx) }
