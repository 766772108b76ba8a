package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/pkg/voice"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	voice   map[string]func(ProviderEntry) (voice.Provider, error)
	grading map[string]func(ProviderEntry) (grading.Analyzer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		voice:   make(map[string]func(ProviderEntry) (voice.Provider, error)),
		grading: make(map[string]func(ProviderEntry) (grading.Analyzer, error)),
	}
}

// RegisterVoice registers a realtime voice provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVoice(name string, factory func(ProviderEntry) (voice.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// RegisterGrading registers a grading analyzer factory under name.
func (r *Registry) RegisterGrading(name string, factory func(ProviderEntry) (grading.Analyzer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grading[name] = factory
}

// CreateVoice instantiates a voice provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVoice(entry ProviderEntry) (voice.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voice[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateGrading instantiates a grading analyzer using the factory registered under entry.Name.
func (r *Registry) CreateGrading(entry ProviderEntry) (grading.Analyzer, error) {
	r.mu.RLock()
	factory, ok := r.grading[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: grading/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// VoiceNames returns the registered voice provider names, sorted.
func (r *Registry) VoiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.voice)
}

// GradingNames returns the registered grading provider names, sorted.
func (r *Registry) GradingNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.grading)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
