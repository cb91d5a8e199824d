// Package vmemstore is an in-memory [vstore.Store].
package vmemstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/flipsession/vsession/vstore"
)

type Store struct {
	mu   sync.RWMutex
	vals map[string][]byte
}

func NewStore() *Store {
	return &Store{vals: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vals[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, vstore.ErrNotFound)
	}
	return slices.Clone(v), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vals[key] = slices.Clone(value)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.vals, key)
	return nil
}
