package recorder

import (
	"context"
	"fmt"

	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/kvstore"
	"github.com/MrWong99/speakwell/internal/navguard"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/internal/results"
	"github.com/MrWong99/speakwell/pkg/types"
)

// ResultPath returns the page that shows result id.
func ResultPath(id string) string { return "/results/" + id }

// Finalize grades and saves the current test and redirects to its result
// page. It refuses while a call is live. A test that was already saved
// returns its result id again.
//
// A transcript shorter than the minimum fails with [ErrTranscriptTooShort].
// Grading and saving failures keep the test state so Finalize can be
// retried.
func (c *Controller) Finalize(ctx context.Context) (string, error) {
	if c.conv.State().Status.Live() {
		return "", ErrSessionActive
	}
	return c.finalize(ctx)
}

func (c *Controller) finalize(ctx context.Context) (string, error) {
	ctx, span := observe.StartSpan(ctx, "recorder.finalize")
	defer span.End()

	c.mu.Lock()
	r := c.run
	switch {
	case r == nil:
		c.mu.Unlock()
		return "", ErrNoTest
	case r.resultID != "":
		id := r.resultID
		c.mu.Unlock()
		return id, nil
	case r.finalizing:
		c.mu.Unlock()
		return "", ErrFinalizing
	}
	msgs := c.transcript.Clone()
	if len(msgs) < c.minMessages {
		r.completed = false
		st := r.testState()
		c.mu.Unlock()
		c.saveState(ctx, st)
		c.metrics.RecordFinalization(ctx, "too_short")
		c.log.Info("recorder: transcript too short to grade", "messages", len(msgs), "min", c.minMessages)
		c.notify(noticeTooShort)
		return "", ErrTranscriptTooShort
	}
	r.finalizing = true
	r.completed = true
	mode, topic := r.mode, r.topic
	c.mu.Unlock()

	rec, outcome, err := c.submit(ctx, r, mode, topic, msgs)

	c.mu.Lock()
	r.finalizing = false
	if err != nil {
		r.completed = false
	} else {
		r.resultID = rec.ID
	}
	c.mu.Unlock()

	c.metrics.RecordFinalization(ctx, outcome)
	if err != nil {
		c.log.Warn("recorder: finalization failed", "run_id", r.id, "outcome", outcome, "err", err)
		c.notify(noticeGradingFailed)
		return "", err
	}

	c.log.Info("recorder: test saved", "run_id", r.id, "result_id", rec.ID, "band", rec.Band)
	if c.nav != nil {
		in := navguard.Intent{Kind: navguard.KindPush, Path: ResultPath(rec.ID)}
		if err := c.nav.Navigate(ctx, in); err != nil {
			c.log.Warn("recorder: redirect to result", "result_id", rec.ID, "err", err)
		}
	}
	return rec.ID, nil
}

// submit runs the analysis, saves the record and swaps the in-progress
// state for the last result. The returned outcome labels the metric.
func (c *Controller) submit(ctx context.Context, r *run, mode grading.Mode, topic string, msgs types.Transcript) (results.Record, string, error) {
	fb, err := c.analyzer.Analyze(ctx, grading.Request{Mode: mode, Topic: topic, Messages: msgs})
	if err != nil {
		return results.Record{}, "analysis_failed", fmt.Errorf("recorder: analyze: %w", err)
	}

	rec := results.Record{
		UserID:    c.userID,
		Mode:      mode,
		Topic:     topic,
		Band:      fb.Band,
		Feedback:  fb.Blocks,
		Messages:  msgs,
		CreatedAt: c.clock.Now(),
	}
	id, err := c.results.Save(ctx, rec)
	if err != nil {
		return results.Record{}, "save_failed", fmt.Errorf("recorder: save: %w", err)
	}
	rec.ID = id

	last := LastResult{
		ID:        id,
		Mode:      mode,
		Topic:     topic,
		Band:      fb.Band,
		Feedback:  fb.Blocks,
		CreatedAt: rec.CreatedAt,
	}
	if err := c.store.Set(ctx, kvstore.KeyIELTSResult, last); err != nil {
		c.log.Warn("recorder: persist last result", "err", err)
	}

	c.mu.Lock()
	current := c.run == r
	if current {
		c.transcript = nil
	}
	c.mu.Unlock()
	if current {
		c.clearTestState(ctx)
	}
	return rec, "saved", nil
}
