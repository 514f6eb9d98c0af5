// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with expiration metadata
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

func (e *Entry[T]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Option configures a TTLStore.
type Option[K comparable, V any] func(*TTLStore[K, V])

// WithClock replaces time.Now, mostly for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.now = now }
}

// WithEvict registers a callback for entries removed by expiry.
// It is not called for Delete or Take.
func WithEvict[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.onEvict = fn }
}

// TTLStore is a generic in-memory store with TTL support and automatic cleanup.
// A zero TTL stores an entry that never expires.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	now      func() time.Time
	onEvict  func(key K, value V)
}

// NewTTLStore creates a store and starts its cleanup loop. A non-positive
// interval disables the loop; Sweep can still be called directly.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration, opts ...Option[K, V]) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*Entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// Set stores a value with the given TTL
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry[V]{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	s.items[key] = entry
}

// Get retrieves a value by key. Returns the value and true if found and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.items[key]
	if !exists || entry.expired(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Delete removes a key from the store
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; exists {
		delete(s.items, key)
		return true
	}
	return false
}

// Take removes and returns a live entry in one step.
func (s *TTLStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.items[key]
	if !exists {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	if entry.expired(s.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Len returns the number of non-expired items
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	count := 0
	for _, entry := range s.items {
		if !entry.expired(now) {
			count++
		}
	}
	return count
}

// All returns all non-expired entries as a map
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	result := make(map[K]V, len(s.items))
	for key, entry := range s.items {
		if !entry.expired(now) {
			result[key] = entry.Value
		}
	}
	return result
}

// ForEach iterates over all non-expired items until fn returns false.
// fn must not call back into the store.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for key, entry := range s.items {
		if entry.expired(now) {
			continue
		}
		if !fn(key, entry.Value) {
			return
		}
	}
}

// Update modifies the value for an existing key, keeping its expiry.
func (s *TTLStore[K, V]) Update(key K, fn func(V) V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.items[key]
	if !exists || entry.expired(s.now()) {
		return false
	}
	entry.Value = fn(entry.Value)
	return true
}

// Close stops the cleanup goroutine and clears the store
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[K]*Entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep removes expired entries and runs the eviction callback for each,
// outside the lock.
func (s *TTLStore[K, V]) Sweep() int {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	now := s.now()
	var expired []evicted
	for key, entry := range s.items {
		if entry.expired(now) {
			expired = append(expired, evicted{key, entry.Value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
	return len(expired)
}
