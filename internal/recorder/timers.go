package recorder

import (
	"time"

	"github.com/MrWong99/speakwell/internal/clock"
	"github.com/MrWong99/speakwell/internal/grading"
)

// Timings is the clock of one test mode.
type Timings struct {
	// Duration is the hard limit of the call.
	Duration time.Duration `json:"duration"`
	// WindDownLead is how long before Duration the examiner is asked to
	// conclude.
	WindDownLead time.Duration `json:"windDownLead"`
}

// DefaultTimings returns the built-in timings for mode.
func DefaultTimings(mode grading.Mode) Timings {
	switch mode {
	case grading.ModePart1:
		return Timings{Duration: 5 * time.Minute, WindDownLead: 45 * time.Second}
	case grading.ModePart2:
		return Timings{Duration: 4 * time.Minute, WindDownLead: 30 * time.Second}
	case grading.ModePart3:
		return Timings{Duration: 5 * time.Minute, WindDownLead: 45 * time.Second}
	default:
		return Timings{Duration: 14 * time.Minute, WindDownLead: time.Minute}
	}
}

// Deadlines are the two termination points of an active call.
type Deadlines struct {
	WindDownAt time.Time `json:"windDownAt"`
	HardStopAt time.Time `json:"hardStopAt"`
}

// Deadlines computes both deadlines from the moment the call became active.
// A lead longer than the duration winds down immediately.
func (t Timings) Deadlines(start time.Time) Deadlines {
	windDown := start.Add(t.Duration - t.WindDownLead)
	if windDown.Before(start) {
		windDown = start
	}
	return Deadlines{WindDownAt: windDown, HardStopAt: start.Add(t.Duration)}
}

// slot holds one cancellable timer. Arming a slot cancels the previous
// timer, and a callback only runs while its timer is still the armed one.
// Slots are guarded by the controller lock.
type slot struct {
	t   clock.Timer
	seq uint64
}

func (s *slot) stop() {
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.seq++
}

func (s *slot) armed() bool { return s.t != nil }

// armLocked schedules f on s after d. f runs without the controller lock.
func (c *Controller) armLocked(s *slot, d time.Duration, f func()) {
	s.stop()
	seq := s.seq
	s.t = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		if s.seq != seq || s.t == nil {
			c.mu.Unlock()
			return
		}
		s.t = nil
		c.mu.Unlock()
		f()
	})
}

// stopTimersLocked cancels every timer the controller owns.
func (c *Controller) stopTimersLocked() {
	c.windDown.stop()
	c.hardStop.stop()
	c.conclude.stop()
	c.prep.stop()
	c.silence.stop()
}

// armSilenceLocked restarts the silence watchdog if it is enabled.
func (c *Controller) armSilenceLocked() {
	if c.silenceTimeout <= 0 {
		return
	}
	c.armLocked(&c.silence, c.silenceTimeout, c.silenceDue)
}
