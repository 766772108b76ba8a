// Package anyllm grades transcripts through github.com/mozilla-ai/any-llm-go,
// which puts OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq,
// llama.cpp and llamafile behind one completion API.
//
//	a, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/speakwell/internal/grading"
)

// Providers lists the backend names accepted by [New].
var Providers = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// completeFunc sends params and returns the text of the first choice.
type completeFunc func(ctx context.Context, params anyllmlib.CompletionParams) (string, error)

// Analyzer implements grading.Analyzer on top of any-llm-go.
type Analyzer struct {
	provider    string
	model       string
	temperature float64
	complete    completeFunc
}

var _ grading.Analyzer = (*Analyzer)(nil)

// New creates an Analyzer for providerName and model. opts are any-llm-go
// options such as anyllmlib.WithAPIKey and anyllmlib.WithBaseURL; without an
// API key option the backend reads its usual environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Analyzer, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	complete := func(ctx context.Context, params anyllmlib.CompletionParams) (string, error) {
		resp, err := backend.Completion(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("empty choices in response")
		}
		return resp.Choices[0].Message.ContentString(), nil
	}
	return &Analyzer{provider: strings.ToLower(providerName), model: model, temperature: 0.2, complete: complete}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Providers, ", "))
	}
}

// Provider returns the backend name.
func (a *Analyzer) Provider() string { return a.provider }

// Analyze implements grading.Analyzer.
func (a *Analyzer) Analyze(ctx context.Context, req grading.Request) (*grading.Feedback, error) {
	text, err := a.complete(ctx, a.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	fb, err := grading.ParseFeedback(text)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}
	return fb, nil
}

func (a *Analyzer) buildParams(req grading.Request) anyllmlib.CompletionParams {
	temp := a.temperature
	return anyllmlib.CompletionParams{
		Model: a.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: grading.SystemPrompt(req.Mode)},
			{Role: "user", Content: grading.UserPrompt(req)},
		},
		Temperature: &temp,
	}
}
