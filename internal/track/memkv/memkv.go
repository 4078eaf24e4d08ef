// Package memkv provides an in-memory implementation of track.KV.
// Suitable for dev/testing.
package memkv

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Store holds values in memory behind a mutex.
type Store struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{values: make(map[string]json.RawMessage)}
}

// Get returns a copy of the stored value for key.
func (s *Store) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Put stores a copy of value under key.
func (s *Store) Put(_ context.Context, key string, value json.RawMessage) error {
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = cp
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// ListPrefix returns copies of all values whose key starts with prefix.
func (s *Store) ListPrefix(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}
