// Package grading defines the conversation analysis contract: a finished
// transcript goes in, an IELTS band score and per-criterion feedback come out.
//
// Backends live in sub-packages ([openai], [anyllm]); [Guarded] adds circuit
// breaking, failover between backends, metrics and tracing on top of any
// [Analyzer].
//
// [openai]: github.com/MrWong99/speakwell/internal/grading/openai
// [anyllm]: github.com/MrWong99/speakwell/internal/grading/anyllm
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MrWong99/speakwell/pkg/types"
)

// Mode discriminates the kind of speaking test that produced a transcript.
type Mode string

const (
	// ModeFull is a complete mock test covering parts 1 to 3.
	ModeFull Mode = "full"
	// ModePart1 is the introduction and interview part.
	ModePart1 Mode = "part1"
	// ModePart2 is the long turn with one minute of preparation.
	ModePart2 Mode = "part2"
	// ModePart3 is the two-way discussion.
	ModePart3 Mode = "part3"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFull, ModePart1, ModePart2, ModePart3:
		return true
	}
	return false
}

// Criteria are the four public IELTS speaking band descriptors, in the order
// feedback blocks are presented.
var Criteria = []string{
	"Fluency and Coherence",
	"Lexical Resource",
	"Grammatical Range and Accuracy",
	"Pronunciation",
}

// ErrInvalidFeedback is returned when a backend's reply cannot be turned into
// a [Feedback].
var ErrInvalidFeedback = errors.New("grading: invalid feedback")

// Request is the input to an analysis.
type Request struct {
	Mode     Mode
	Topic    string
	Messages types.Transcript
}

// Block is one feedback section.
type Block struct {
	Criterion string `json:"criterion"`
	Text      string `json:"text"`
}

// Feedback is the result of a successful analysis.
type Feedback struct {
	Band   float64 `json:"band"`
	Blocks []Block `json:"feedback"`
}

// Analyzer grades a finished transcript.
//
// Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Feedback, error)
}

// AnalyzerFunc adapts a function to [Analyzer].
type AnalyzerFunc func(ctx context.Context, req Request) (*Feedback, error)

// Analyze calls f(ctx, req).
func (f AnalyzerFunc) Analyze(ctx context.Context, req Request) (*Feedback, error) {
	return f(ctx, req)
}

// SystemPrompt returns the examiner-grader instructions sent to LLM backends.
func SystemPrompt(mode Mode) string {
	var b strings.Builder
	b.WriteString("You are a certified IELTS speaking examiner. Grade the candidate's spoken English ")
	b.WriteString("from the transcript of a practice session. Only the lines spoken by the user are the ")
	b.WriteString("candidate; examiner lines are context.\n")
	switch mode {
	case ModePart1:
		b.WriteString("The session covered Part 1 (introduction and interview) only.\n")
	case ModePart2:
		b.WriteString("The session covered Part 2 (individual long turn) only.\n")
	case ModePart3:
		b.WriteString("The session covered Part 3 (two-way discussion) only.\n")
	default:
		b.WriteString("The session was a full mock test covering Parts 1, 2 and 3.\n")
	}
	b.WriteString("Reply with a single JSON object of the form ")
	b.WriteString(`{"band": <overall band 0-9 in steps of 0.5>, "feedback": [{"criterion": <name>, "text": <feedback>}]}`)
	b.WriteString(" with exactly one entry for each criterion: ")
	b.WriteString(strings.Join(Criteria, ", "))
	b.WriteString(".")
	return b.String()
}

// UserPrompt renders the request as the user turn of an LLM conversation.
func UserPrompt(req Request) string {
	var b strings.Builder
	if req.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	}
	fmt.Fprintf(&b, "Mode: %s\n\nTranscript:\n", req.Mode)
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// ParseFeedback decodes a backend reply. Code fences around the JSON are
// tolerated. The band is rounded to the nearest half band; an out-of-range
// band or an empty feedback list yields [ErrInvalidFeedback].
func ParseFeedback(raw string) (*Feedback, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var fb Feedback
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeedback, err)
	}
	if math.IsNaN(fb.Band) || fb.Band < 0 || fb.Band > 9 {
		return nil, fmt.Errorf("%w: band %v out of range", ErrInvalidFeedback, fb.Band)
	}
	fb.Band = math.Round(fb.Band*2) / 2

	blocks := fb.Blocks[:0]
	for _, blk := range fb.Blocks {
		blk.Criterion = strings.TrimSpace(blk.Criterion)
		blk.Text = strings.TrimSpace(blk.Text)
		if blk.Text == "" {
			continue
		}
		blocks = append(blocks, blk)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no feedback blocks", ErrInvalidFeedback)
	}
	fb.Blocks = blocks
	return &fb, nil
}
