// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with expiration metadata.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired.
func (e *Entry[T]) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// TTL returns the remaining time until expiration.
func (e *Entry[T]) TTL() time.Duration {
	remaining := time.Until(e.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TTLStore is a generic in-memory store with per-entry TTL and a
// background cleanup loop.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
}

// NewTTLStore creates a TTL store whose cleanup goroutine runs every
// cleanupInterval.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*Entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// Set stores a value with the given TTL.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: time.Now().Add(ttl)}
}

// Get retrieves a value by key. Expired entries read as absent.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.items[key]
	if !exists || entry.IsExpired() {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Delete removes a key from the store.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; exists {
		delete(s.items, key)
		return true
	}
	return false
}

// Has returns true if the key exists and is not expired.
func (s *TTLStore[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.items[key]
	return exists && !entry.IsExpired()
}

// Len returns the number of non-expired items.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.items {
		if !entry.IsExpired() {
			count++
		}
	}
	return count
}

// All returns all non-expired entries as a map.
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[K]V, len(s.items))
	for key, entry := range s.items {
		if !entry.IsExpired() {
			result[key] = entry.Value
		}
	}
	return result
}

// Refresh extends the TTL for an existing key without changing the
// value.
func (s *TTLStore[K, V]) Refresh(key K, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.items[key]
	if !exists {
		return false
	}
	entry.ExpiresAt = time.Now().Add(ttl)
	return true
}

// Clear removes all items from the store.
func (s *TTLStore[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]*Entry[V])
}

// Close stops the cleanup goroutine and clears the store. Safe to call
// more than once.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.Clear()
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.items {
		if entry.IsExpired() {
			delete(s.items, key)
		}
	}
}
