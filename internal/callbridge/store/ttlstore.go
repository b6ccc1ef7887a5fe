// Package store provides a generic in-memory map whose entries expire.
package store

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// TTLStore keeps values until they are deleted or their deadline passes.
// Expired values are swept by a background loop and handed to the eviction
// callback; values removed with Delete or Take never reach it.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[V]
	onEvict func(key K, value V)

	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
}

// NewTTLStore creates a store swept every cleanupInterval.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict replaces the eviction callback.
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value that expires after ttl.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the value if present and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take removes and returns the value if present and not expired.
func (s *TTLStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	if e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a key. It reports whether the key was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return true
	}
	return false
}

// Len returns the number of live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Keys returns the keys of live entries in no particular order.
func (s *TTLStore[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]K, 0, len(s.items))
	for k, e := range s.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Close stops the sweep loop and drops every entry without eviction.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]*entry[V])
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) sweep() {
	type evicted struct {
		key   K
		value V
	}

	now := time.Now()
	s.mu.Lock()
	var expired []evicted
	for k, e := range s.items {
		if e.expired(now) {
			expired = append(expired, evicted{k, e.value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	// Callbacks run unlocked so they may touch the store.
	if onEvict == nil {
		return
	}
	for _, e := range expired {
		onEvict(e.key, e.value)
	}
}
