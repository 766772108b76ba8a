package recorder

import (
	"context"
	"log/slog"

	"github.com/MrWong99/speakwell/internal/conversation"
	"github.com/MrWong99/speakwell/internal/cue"
	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/pkg/types"
)

// ── Conversation handlers ────────────────────────────────────────────────────

func (c *Controller) onStatus(s conversation.Status) {
	switch {
	case s == conversation.StatusActive:
		c.onActive()
	case s.Terminal():
		c.onTerminal(s)
	}
}

// onActive arms both deadlines and the watchdog and starts billing.
func (c *Controller) onActive() {
	ctx := context.Background()

	c.mu.Lock()
	r := c.run
	if r == nil || r.active || r.aborted {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	t := c.TimingsFor(r.mode)
	r.active = true
	r.startedAt = now
	r.deadlines = t.Deadlines(now)
	c.armLocked(&c.windDown, r.deadlines.WindDownAt.Sub(now), c.windDownDue)
	c.armLocked(&c.hardStop, t.Duration, c.hardStopDue)
	c.armSilenceLocked()

	// The meter is started under the lock so that a terminal transition
	// always observes a started meter.
	r.metered = true
	if err := c.meter.Start(ctx, r.id); err != nil {
		c.log.Warn("recorder: start billing meter", "run_id", r.id, "err", err)
	}
	st, d := r.testState(), r.deadlines
	c.mu.Unlock()

	c.saveState(ctx, st)
	c.log.Info("recorder: deadlines armed",
		"run_id", st.RunID,
		"wind_down_at", d.WindDownAt,
		"hard_stop_at", d.HardStopAt)
}

// onTerminal cancels every timer, settles billing and finalizes a test that
// ended on its own.
func (c *Controller) onTerminal(s conversation.Status) {
	c.mu.Lock()
	c.stopTimersLocked()
	r := c.run
	if r == nil {
		c.mu.Unlock()
		return
	}
	r.preparing = false
	metered := r.metered
	r.metered = false
	finalize := s == conversation.StatusFinished && r.active && !r.aborted && !r.finalizing && r.resultID == ""
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.finalizeTO)
	defer cancel()

	if metered {
		if err := c.meter.Flush(ctx); err != nil {
			c.log.Warn("recorder: settle billing", "run_id", r.id, "err", err)
		}
	}
	if finalize {
		// Failures are logged and surfaced as notices by finalize.
		_, _ = c.finalize(ctx)
	}
}

func (c *Controller) onMessage(m types.Message) {
	ctx := context.Background()
	kind := c.detector.Detect(m)

	c.mu.Lock()
	r := c.run
	if r == nil || r.aborted {
		c.mu.Unlock()
		return
	}
	c.transcript = append(c.transcript, m)
	msgs := c.transcript.Clone()
	if !r.preparing {
		c.armSilenceLocked()
	}

	var (
		mute      bool
		saveState bool
	)
	switch kind {
	case cue.Conclusion:
		// The test ends here whatever its length. finalize decides whether
		// the transcript is long enough to grade.
		if r.completed {
			break
		}
		r.completed = true
		r.deadlines = Deadlines{}
		c.windDown.stop()
		c.hardStop.stop()
		c.armLocked(&c.conclude, c.concludeDelay, c.concludeDue)
		saveState = true
	case cue.Preparation:
		if r.preparing || r.completed {
			break
		}
		r.preparing = true
		r.prepEndsAt = c.clock.Now().Add(c.prepTime)
		c.silence.stop()
		c.armLocked(&c.prep, c.prepTime, c.prepDue)
		mute = true
	}
	st := r.testState()
	c.mu.Unlock()

	c.saveTranscript(ctx, msgs)
	if kind != cue.None {
		c.metrics.RecordCue(ctx, kind.String())
		c.log.Info("recorder: examiner cue", "kind", kind.String(), "messages", len(msgs))
	}
	if saveState {
		c.saveState(ctx, st)
	}
	if mute {
		if err := c.conv.SetVolume(0); err != nil {
			c.log.Warn("recorder: mute for preparation", "err", err)
		}
	}
}

func (c *Controller) onSpeech(_ types.Role, _ bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.silence.armed() {
		c.armSilenceLocked()
	}
}

func (c *Controller) onError(err error) {
	c.log.Warn("recorder: call error", "err", err)
	c.notify(noticeConnection)
}

// ── Timer callbacks ──────────────────────────────────────────────────────────

func (c *Controller) windDownDue() {
	ctx := context.Background()
	started, err := c.conv.TriggerWindDown(ctx)
	if started {
		c.metrics.RecordWindDown(ctx, "deadline")
	}
	if err != nil {
		c.log.Warn("recorder: wind-down", "err", err)
	}
}

func (c *Controller) hardStopDue() {
	c.log.Info("recorder: time limit reached, ending call")
	if err := c.conv.EndSession(context.Background()); err != nil {
		c.log.Warn("recorder: hard stop", "err", err)
	}
}

func (c *Controller) concludeDue() {
	c.log.Info("recorder: examiner concluded, ending call")
	if err := c.conv.EndSession(context.Background()); err != nil {
		c.log.Warn("recorder: end after conclusion", "err", err)
	}
}

func (c *Controller) silenceDue() {
	c.log.Info("recorder: no speech detected, ending call", "after", c.silenceTimeout)
	c.notify(noticeSilence)
	if err := c.conv.EndSession(context.Background()); err != nil {
		c.log.Warn("recorder: end after silence", "err", err)
	}
}

// prepDue ends the preparation countdown and unmutes the microphone unless
// the call is winding down.
func (c *Controller) prepDue() {
	c.mu.Lock()
	r := c.run
	if r == nil || !r.preparing {
		c.mu.Unlock()
		return
	}
	r.preparing = false
	c.armSilenceLocked()
	c.mu.Unlock()

	st := c.conv.State()
	if !st.Status.Live() || st.WindDownTriggered {
		return
	}
	if err := c.conv.SetVolume(1); err != nil {
		c.log.Warn("recorder: unmute after preparation", "err", err)
	}
	c.log.Info("recorder: preparation over")
}

// nearMissReporter counts and logs examiner lines that almost carried a cue.
// Detection itself is unaffected.
func nearMissReporter(m *observe.Metrics, log *slog.Logger) func(cue.NearMiss) {
	return func(nm cue.NearMiss) {
		m.RecordCueNearMiss(context.Background(), nm.Kind.String())
		log.Debug("recorder: cue near miss",
			"kind", nm.Kind.String(),
			"phrase", nm.Phrase,
			"score", nm.Score,
		)
	}
}
