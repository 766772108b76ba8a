// Package results persists finished, graded speaking tests. The identifier
// returned by [Saver.Save] is what the client navigates to after a test.
package results

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/pkg/types"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("results: not found")

// Record is one saved test.
type Record struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Mode      grading.Mode     `json:"mode"`
	Topic     string           `json:"topic"`
	Band      float64          `json:"band"`
	Feedback  []grading.Block  `json:"feedback"`
	Messages  types.Transcript `json:"messages"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Saver persists a record and returns its identifier.
type Saver interface {
	Save(ctx context.Context, rec Record) (string, error)
}

// Store is a [Saver] that can also read records back.
type Store interface {
	Saver
	Get(ctx context.Context, id string) (*Record, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
}

// Validate reports whether rec can be saved.
func Validate(rec Record) error {
	var errs []error
	if rec.UserID == "" {
		errs = append(errs, errors.New("results: user id is required"))
	}
	if !rec.Mode.Valid() {
		errs = append(errs, errors.New("results: invalid mode "+string(rec.Mode)))
	}
	if len(rec.Messages) == 0 {
		errs = append(errs, errors.New("results: transcript is empty"))
	}
	return errors.Join(errs...)
}

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	now     func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record), now: time.Now}
}

// Save implements [Saver].
func (s *MemStore) Save(_ context.Context, rec Record) (string, error) {
	if err := Validate(rec); err != nil {
		return "", err
	}
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now()
	rec.Messages = rec.Messages.Clone()
	rec.Feedback = slices.Clone(rec.Feedback)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec.ID, nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ListByUser returns the user's records, newest first. limit <= 0 means all.
func (s *MemStore) ListByUser(_ context.Context, userID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Record{}
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if rec.UserID != userID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
