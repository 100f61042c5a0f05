// Package store provides the two key/value namespaces plugins share state
// through: process-lifetime global data and per-request data keyed by the
// transaction's RequestID.
package store

import (
	"sync"

	"github.com/snareproxy/snare/internal/core/domain"
)

// Bag is a concurrency-safe name/value map. Values are opaque to the core;
// use GetAs to read them back with a type.
type Bag struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewBag returns an empty bag.
func NewBag() *Bag {
	return &Bag{data: make(map[string]any)}
}

// Set inserts or replaces the value under name.
func (b *Bag) Set(name string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[name] = value
}

// Get returns the value under name, if present.
func (b *Bag) Get(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[name]
	return v, ok
}

// GetOrSet returns the value under name, creating it with mk while holding
// the lock when absent. Two concurrent callers always observe the same value.
func (b *Bag) GetOrSet(name string, mk func() any) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.data[name]; ok {
		return v
	}
	v := mk()
	b.data[name] = v
	return v
}

// Delete removes the value under name. Deleting an absent name is a no-op.
func (b *Bag) Delete(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, name)
}

// Len returns the number of entries.
func (b *Bag) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// GetAs reads the value under name as T. The second return is false when the
// name is absent or holds a different type.
func GetAs[T any](b *Bag, name string) (T, bool) {
	var zero T
	v, ok := b.Get(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Store owns the global bag and the per-request bags.
type Store struct {
	global *Bag

	mu       sync.Mutex
	requests map[domain.RequestID]*Bag
}

// New returns an empty store.
func New() *Store {
	return &Store{
		global:   NewBag(),
		requests: make(map[domain.RequestID]*Bag),
	}
}

// Global returns the process-lifetime bag.
func (s *Store) Global() *Bag {
	return s.global
}

// RequestData returns the bag for the given request id. An unknown id yields
// a freshly created, independently mutable empty bag; the call never fails.
func (s *Store) RequestData(id domain.RequestID) *Bag {
	s.mu.Lock()
	defer s.mu.Unlock()
	bag, ok := s.requests[id]
	if !ok {
		bag = NewBag()
		s.requests[id] = bag
	}
	return bag
}

// RemoveRequestData drops the bag for the given request id. It is idempotent;
// a later RequestData call for the same id returns a fresh bag, never the
// removed one.
func (s *Store) RemoveRequestData(id domain.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}
