// Package permission decides whether a user's microphone may be used before
// a speaking session starts.
//
// The check runs three layers in order: a cached state kept current by
// [Preflight.Observe], the client's permission query ([Querier]), and a live
// capture probe ([Prober]) used when the query is unsupported or
// inconclusive.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrMicrophoneDenied means the user or the platform refused access.
	ErrMicrophoneDenied = errors.New("permission: microphone access denied")

	// ErrMicrophoneUnavailable means access could not be established, for
	// example because no input device exists.
	ErrMicrophoneUnavailable = errors.New("permission: microphone unavailable")

	// ErrUnsupported is returned by a [Querier] that cannot answer.
	ErrUnsupported = errors.New("permission: query unsupported")
)

// Remediation is the guidance shown in the blocking dialog after a denial.
const Remediation = "Microphone access is blocked. Open your browser's site settings, " +
	"allow the microphone for this site, then reload the page and start the test again."

// State is a microphone permission state.
type State string

const (
	StateUnknown State = ""
	StateGranted State = "granted"
	StateDenied  State = "denied"
	StatePrompt  State = "prompt"
)

// ParseState converts a client-reported value. Unrecognised values map to
// [StateUnknown].
func ParseState(s string) State {
	switch State(s) {
	case StateGranted, StateDenied, StatePrompt:
		return State(s)
	}
	return StateUnknown
}

// Querier reads the current permission state without prompting.
type Querier interface {
	Query(ctx context.Context) (State, error)
}

// Prober opens and immediately releases a capture stream. A nil error means
// the microphone is usable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to [Prober].
type ProberFunc func(ctx context.Context) error

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Preflight runs the layered microphone check. The zero value is not usable;
// create one with [New].
type Preflight struct {
	querier Querier
	prober  Prober

	mu     sync.Mutex
	cached State
}

// New returns a Preflight. Either collaborator may be nil; a missing querier
// behaves like one returning [ErrUnsupported], and a missing prober makes an
// inconclusive check fail with [ErrMicrophoneUnavailable].
func New(q Querier, p Prober) *Preflight {
	return &Preflight{querier: q, prober: p}
}

// Observe records a permission change reported by the client.
func (p *Preflight) Observe(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = s
}

// Cached returns the last known state.
func (p *Preflight) Cached() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// Check returns nil when the microphone can be used. It wraps
// [ErrMicrophoneDenied] or [ErrMicrophoneUnavailable] otherwise.
func (p *Preflight) Check(ctx context.Context) error {
	if p.Cached() == StateGranted {
		return nil
	}

	state := StateUnknown
	if p.querier != nil {
		s, err := p.querier.Query(ctx)
		switch {
		case err == nil:
			state = s
		case errors.Is(err, ErrUnsupported):
		default:
			slog.Warn("microphone permission query failed", "err", err)
		}
	}

	switch state {
	case StateGranted:
		p.Observe(StateGranted)
		return nil
	case StateDenied:
		p.Observe(StateDenied)
		return ErrMicrophoneDenied
	}

	if p.prober == nil {
		return ErrMicrophoneUnavailable
	}
	if err := p.prober.Probe(ctx); err != nil {
		if errors.Is(err, ErrMicrophoneDenied) {
			p.Observe(StateDenied)
			return err
		}
		return fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
	}
	p.Observe(StateGranted)
	return nil
}

// StaticQuerier answers every query with the same state.
type StaticQuerier State

// Query implements [Querier].
func (s StaticQuerier) Query(context.Context) (State, error) {
	if State(s) == StateUnknown {
		return StateUnknown, ErrUnsupported
	}
	return State(s), nil
}
