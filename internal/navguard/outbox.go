package navguard

import (
	"context"
	"sync"
)

// Outbox is a [Navigator] that queues performed navigations for the client
// to apply. When full the oldest intent is dropped.
type Outbox struct {
	mu    sync.Mutex
	items []Intent
	size  int
}

// NewOutbox returns an Outbox holding at most size undelivered intents.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 16
	}
	return &Outbox{size: size}
}

var _ Navigator = (*Outbox)(nil)

// Navigate implements [Navigator].
func (o *Outbox) Navigate(_ context.Context, in Intent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == o.size {
		o.items = o.items[1:]
	}
	o.items = append(o.items, in)
	return nil
}

// Drain returns and removes every queued intent, oldest first.
func (o *Outbox) Drain() []Intent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = nil
	return out
}
