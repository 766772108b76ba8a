// Package mock provides test doubles for the voice package interfaces.
//
// Client records every call made by the session runtime and exposes Emit to
// push vendor events into its stream:
//
//	c := mock.NewClient("call-1")
//	p := &mock.Provider{Clients: []*mock.Client{c}}
//	// ... start a session through p ...
//	c.Emit(voice.Event{Type: voice.EventMessage, Message: &voice.TranscriptFragment{...}})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speakwell/pkg/voice"
)

// Provider is a mock implementation of voice.Provider.
type Provider struct {
	mu sync.Mutex

	// Clients are handed out in order by NewClient. When exhausted, a fresh
	// Client with an empty call id is created.
	Clients []*Client

	// NewClientErr, if non-nil, is returned by NewClient.
	NewClientErr error

	// Created records every client returned by NewClient.
	Created []*Client
}

// NewClient returns the next queued Client.
func (p *Provider) NewClient(_ context.Context) (voice.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewClientErr != nil {
		return nil, p.NewClientErr
	}
	var c *Client
	if len(p.Clients) > 0 {
		c = p.Clients[0]
		p.Clients = p.Clients[1:]
	} else {
		c = NewClient("")
	}
	p.Created = append(p.Created, c)
	return c, nil
}

// Last returns the most recently created client, or nil.
func (p *Provider) Last() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Created) == 0 {
		return nil
	}
	return p.Created[len(p.Created)-1]
}

var _ voice.Provider = (*Provider)(nil)

// StartCall records a single invocation of Client.Start.
type StartCall struct {
	Cfg       voice.AssistantConfig
	Overrides voice.Overrides
}

// Client is a mock implementation of voice.Client.
type Client struct {
	mu sync.Mutex

	// CallID is returned from Start.
	CallID string

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// StartBlock, if non-nil, makes Start wait until it is closed or ctx is
	// done.
	StartBlock chan struct{}

	StartCalls []StartCall
	StopCalls  int
	MuteCalls  []bool
	Sent       []voice.OutboundEvent
	AudioIn    [][]byte

	muted     bool
	events    chan voice.Event
	audio     chan []byte
	closeOnce sync.Once
}

// NewClient returns a Client that reports callID from Start.
func NewClient(callID string) *Client {
	return &Client{
		CallID: callID,
		events: make(chan voice.Event, 64),
		audio:  make(chan []byte, 16),
	}
}

// Start records the call and returns CallID or StartErr.
func (c *Client) Start(ctx context.Context, cfg voice.AssistantConfig, o voice.Overrides) (voice.Call, error) {
	c.mu.Lock()
	c.StartCalls = append(c.StartCalls, StartCall{Cfg: cfg, Overrides: o})
	block, err, id := c.StartBlock, c.StartErr, c.CallID
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return voice.Call{}, ctx.Err()
		}
	}
	if err != nil {
		return voice.Call{}, err
	}
	return voice.Call{ID: id}, nil
}

// Stop records the call, emits call-end and closes the event stream.
func (c *Client) Stop(_ context.Context) error {
	c.mu.Lock()
	c.StopCalls++
	c.mu.Unlock()
	c.End()
	return nil
}

// SetMuted records the call.
func (c *Client) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MuteCalls = append(c.MuteCalls, muted)
	c.muted = muted
	return nil
}

// Muted reports the last value passed to SetMuted.
func (c *Client) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Send records ev and returns SendErr.
func (c *Client) Send(_ context.Context, ev voice.OutboundEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, ev)
	return c.SendErr
}

// SentEvents returns a copy of the recorded outbound events.
func (c *Client) SentEvents() []voice.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]voice.OutboundEvent(nil), c.Sent...)
}

// Stops returns the number of Stop calls.
func (c *Client) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StopCalls
}

// Events returns the stream fed by Emit.
func (c *Client) Events() <-chan voice.Event { return c.events }

// SendAudio records the chunk unless muted.
func (c *Client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted {
		return nil
	}
	c.AudioIn = append(c.AudioIn, append([]byte(nil), chunk...))
	return nil
}

// Audio returns the stream fed by EmitAudio.
func (c *Client) Audio() <-chan []byte { return c.audio }

// Emit pushes ev into the event stream.
func (c *Client) Emit(ev voice.Event) {
	c.events <- ev
}

// EmitAudio pushes a chunk of examiner audio.
func (c *Client) EmitAudio(chunk []byte) {
	c.audio <- chunk
}

// End emits call-end and closes both streams. Safe to call repeatedly.
func (c *Client) End() {
	c.closeOnce.Do(func() {
		c.events <- voice.Event{Type: voice.EventCallEnd}
		close(c.events)
		close(c.audio)
	})
}

var _ voice.Client = (*Client)(nil)

// ReceivedAudio returns a copy of the microphone chunks passed to SendAudio.
func (c *Client) ReceivedAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.AudioIn...)
}
