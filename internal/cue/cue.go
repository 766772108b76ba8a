// Package cue detects the examiner's spoken cues in finalized transcript
// lines: the closing remark that ends the test and the instruction that
// starts the one-minute preparation period.
//
// Detection is a case-insensitive substring match of fixed English phrase
// lists against examiner lines only. A paraphrase by the remote model is not
// detected. To make such misses visible, a [Detector] also scores each
// examiner line against the phrases with Jaro-Winkler similarity and reports
// close-but-unmatched lines through a callback. The similarity score never
// influences the detection result.
package cue

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/speakwell/pkg/types"
)

// Kind is the cue found in a transcript line.
type Kind int

const (
	// None means the line carries no cue.
	None Kind = iota
	// Conclusion means the examiner closed the test.
	Conclusion
	// Preparation means the examiner started the preparation period.
	Preparation
)

// String returns the lower-case cue name.
func (k Kind) String() string {
	switch k {
	case Conclusion:
		return "conclusion"
	case Preparation:
		return "preparation"
	default:
		return "none"
	}
}

// ConclusionPhrases end the test when spoken by the examiner.
var ConclusionPhrases = []string{
	"that concludes our ielts speaking test",
	"that concludes the speaking test",
	"this concludes the speaking test",
	"that is the end of the speaking test",
	"that's the end of the speaking test",
	"that is the end of the test",
	"that's the end of the test",
	"we have reached the end of the test",
}

// PreparationPhrases start the preparation countdown when spoken by the
// examiner.
var PreparationPhrases = []string{
	"you have one minute to prepare",
	"you have 1 minute to prepare",
	"you'll have one minute to prepare",
	"you will have one minute to prepare",
	"take one minute to prepare",
	"one minute to prepare",
}

const defaultNearMissThreshold = 0.90

// NearMiss describes an examiner line that resembles a cue phrase without
// containing it.
type NearMiss struct {
	Kind   Kind
	Phrase string
	Line   string
	Score  float64
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithNearMissThreshold sets the minimum Jaro-Winkler score for reporting a
// near miss. Default: 0.90.
func WithNearMissThreshold(threshold float64) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// WithNearMissHandler registers fn to be called for every near miss. Without
// a handler no similarity scoring is done.
func WithNearMissHandler(fn func(NearMiss)) Option {
	return func(d *Detector) { d.onNearMiss = fn }
}

// Detector classifies transcript lines. It is read-only after construction
// and safe for concurrent use.
type Detector struct {
	threshold  float64
	onNearMiss func(NearMiss)
}

// New returns a Detector configured with opts.
func New(opts ...Option) *Detector {
	d := &Detector{threshold: defaultNearMissThreshold}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect returns the cue carried by m. Only examiner lines carry cues; a line
// containing both kinds of phrase is a conclusion.
func (d *Detector) Detect(m types.Message) Kind {
	if m.Role != types.RoleExaminer {
		return None
	}
	line := strings.ToLower(m.Content)
	if containsAny(line, ConclusionPhrases) {
		return Conclusion
	}
	if containsAny(line, PreparationPhrases) {
		return Preparation
	}
	if d.onNearMiss != nil {
		d.reportNearMiss(line)
	}
	return None
}

// Detect classifies m with a default Detector.
func Detect(m types.Message) Kind {
	return defaultDetector.Detect(m)
}

var defaultDetector = New()

func containsAny(line string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// reportNearMiss reports the best-scoring phrase if it clears the threshold.
// Each phrase is compared against every window of the line with the same
// number of words.
func (d *Detector) reportNearMiss(line string) {
	words := strings.Fields(line)
	best := NearMiss{Line: line}
	for _, set := range []struct {
		kind    Kind
		phrases []string
	}{
		{Conclusion, ConclusionPhrases},
		{Preparation, PreparationPhrases},
	} {
		for _, p := range set.phrases {
			if s := windowScore(words, p); s > best.Score {
				best.Kind, best.Phrase, best.Score = set.kind, p, s
			}
		}
	}
	if best.Score >= d.threshold {
		d.onNearMiss(best)
	}
}

func windowScore(words []string, phrase string) float64 {
	n := len(strings.Fields(phrase))
	if n == 0 || len(words) < n {
		return 0
	}
	var best float64
	for i := 0; i+n <= len(words); i++ {
		window := strings.Trim(strings.Join(words[i:i+n], " "), ".,!?;:")
		if s := matchr.JaroWinkler(window, phrase, false); s > best {
			best = s
		}
	}
	return best
}
