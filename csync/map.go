package csync

import (
	"iter"
	"maps"
	"sync"
)

// Map is a generic thread-safe map.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

// NewMap creates a new empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

// NewMapFrom creates a new Map that takes ownership of the given map.
func NewMapFrom[K comparable, V any](m map[K]V) *Map[K, V] {
	return &Map[K, V]{m: m}
}

// Get returns the value for the given key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	return v, ok
}

// Set stores a value for the given key.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
}

// Del removes the given key.
func (m *Map[K, V]) Del(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}

// Take removes and returns the value for the given key.
func (m *Map[K, V]) Take(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	delete(m.m, key)
	return v, ok
}

// GetOrSet returns the existing value for the key, or stores and returns the
// value produced by fn.
func (m *Map[K, V]) GetOrSet(key K, fn func() V) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.m[key]; ok {
		return v
	}
	v := fn()
	m.m[key] = v
	return v
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Reset replaces the map contents, taking ownership of the given map.
func (m *Map[K, V]) Reset(newMap map[K]V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = newMap
}

// Copy returns a shallow copy of the underlying map.
func (m *Map[K, V]) Copy() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.m)
}

// Seq iterates over the values. The iteration holds no lock; it walks a
// snapshot of the map taken at the start.
func (m *Map[K, V]) Seq() iter.Seq[V] {
	snapshot := m.Copy()
	return func(yield func(V) bool) {
		for _, v := range snapshot {
			if !yield(v) {
				return
			}
		}
	}
}

// Seq2 iterates over key/value pairs from a snapshot of the map.
func (m *Map[K, V]) Seq2() iter.Seq2[K, V] {
	snapshot := m.Copy()
	return func(yield func(K, V) bool) {
		for k, v := range snapshot {
			if !yield(k, v) {
				return
			}
		}
	}
}
