// Package mock provides a recording test double for grading.Analyzer.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speakwell/internal/grading"
)

// Analyzer is a mock implementation of grading.Analyzer.
type Analyzer struct {
	mu sync.Mutex

	// Feedback is returned by Analyze when Err is nil.
	Feedback *grading.Feedback

	// Err, if non-nil, is returned by Analyze.
	Err error

	// Block, if non-nil, makes Analyze wait until it is closed or ctx ends.
	Block chan struct{}

	// Requests records every request in order.
	Requests []grading.Request
}

var _ grading.Analyzer = (*Analyzer)(nil)

// Analyze records req and returns Feedback, Err.
func (a *Analyzer) Analyze(ctx context.Context, req grading.Request) (*grading.Feedback, error) {
	a.mu.Lock()
	a.Requests = append(a.Requests, grading.Request{Mode: req.Mode, Topic: req.Topic, Messages: req.Messages.Clone()})
	block := a.Block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	if a.Feedback == nil {
		return &grading.Feedback{Band: 6.5, Blocks: []grading.Block{{Criterion: grading.Criteria[0], Text: "ok"}}}, nil
	}
	fb := *a.Feedback
	return &fb, nil
}

// Calls returns the number of Analyze calls.
func (a *Analyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Requests)
}

// SetErr replaces Err under the lock.
func (a *Analyzer) SetErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Err = err
}
