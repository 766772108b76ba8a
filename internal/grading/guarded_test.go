package grading_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/grading/mock"
	"github.com/MrWong99/speakwell/internal/resilience"
)

func TestGuarded_FallsBackToSecondBackend(t *testing.T) {
	primary := &mock.Analyzer{Err: errors.New("rate limited")}
	secondary := &mock.Analyzer{Feedback: &grading.Feedback{Band: 7, Blocks: []grading.Block{{Criterion: "Lexical Resource", Text: "Varied."}}}}

	g := grading.NewGuarded("openai", primary, resilience.CircuitBreakerConfig{MaxFailures: 2})
	g.AddFallback("anthropic", secondary)

	fb, err := g.Analyze(context.Background(), grading.Request{Mode: grading.ModeFull})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if fb.Band != 7 {
		t.Errorf("Band = %v, want 7", fb.Band)
	}
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Errorf("calls = (%d, %d), want (1, 1)", primary.Calls(), secondary.Calls())
	}
	if got := g.Backends(); len(got) != 2 || got[0] != "openai" {
		t.Errorf("Backends = %v", got)
	}
}

func TestGuarded_AllBackendsFail(t *testing.T) {
	g := grading.NewGuarded("only", &mock.Analyzer{Err: errors.New("down")}, resilience.CircuitBreakerConfig{})
	_, err := g.Analyze(context.Background(), grading.Request{Mode: grading.ModePart1})
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestGuarded_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	primary := &mock.Analyzer{Err: errors.New("down")}
	g := grading.NewGuarded("openai", primary, resilience.CircuitBreakerConfig{MaxFailures: 2})

	for range 4 {
		_, _ = g.Analyze(context.Background(), grading.Request{})
	}
	if primary.Calls() != 2 {
		t.Fatalf("primary calls = %d, want 2 (breaker should open)", primary.Calls())
	}
}
