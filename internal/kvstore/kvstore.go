// Package kvstore is the small key/value persistence layer that carries a
// user's in-progress test across process restarts: the running transcript,
// the recorder state, the last result and the live billing counter.
//
// Values are stored as plain JSON blobs with no schema versioning.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known keys.
const (
	KeyTestMessages  = "testMessages"
	KeyIELTSResult   = "ieltsResult"
	KeyMockTestState = "mock_test_state"

	// LiveMinutesPrefix is the prefix of the per-user billing counter key.
	LiveMinutesPrefix = "live-minutes-"
)

// LiveMinutesKey returns the billing counter key for userID.
func LiveMinutesKey(userID string) string { return LiveMinutesPrefix + userID }

// Store is a JSON key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get decodes the value stored under key into v. It reports false when the
	// key does not exist.
	Get(ctx context.Context, key string, v any) (bool, error)

	// Set stores the JSON encoding of v under key.
	Set(ctx context.Context, key string, v any) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

var _ Store = (*MemStore)(nil)

// Get implements Store.
func (s *MemStore) Get(_ context.Context, key string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("kvstore: decode %q: %w", key, err)
	}
	return true, nil
}

// Set implements Store.
func (s *MemStore) Set(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encode %q: %w", key, err)
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys implements Store.
func (s *MemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Scoped returns a Store that namespaces every key under userID, so several
// users can share one backing store without key collisions. Keys returned by
// the scoped store have the namespace stripped.
func Scoped(s Store, userID string) Store {
	return &scoped{inner: s, prefix: "u/" + userID + "/"}
}

type scoped struct {
	inner  Store
	prefix string
}

func (s *scoped) Get(ctx context.Context, key string, v any) (bool, error) {
	return s.inner.Get(ctx, s.prefix+key, v)
}

func (s *scoped) Set(ctx context.Context, key string, v any) error {
	return s.inner.Set(ctx, s.prefix+key, v)
}

func (s *scoped) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

func (s *scoped) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.inner.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}
