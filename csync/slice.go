package csync

import (
	"iter"
	"slices"
	"sync"
)

// Slice is a generic thread-safe slice.
type Slice[T any] struct {
	s  []T
	mu sync.RWMutex
}

// NewSlice creates a new empty Slice.
func NewSlice[T any]() *Slice[T] {
	return &Slice[T]{}
}

// NewSliceFrom creates a new Slice populated with a copy of the given slice.
func NewSliceFrom[T any](s []T) *Slice[T] {
	return &Slice[T]{s: slices.Clone(s)}
}

// Append appends items to the slice.
func (s *Slice[T]) Append(items ...T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s = append(s.s, items...)
}

// Get returns the item at the given index.
func (s *Slice[T]) Get(i int) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.s) {
		var zero T
		return zero, false
	}
	return s.s[i], true
}

// Len returns the number of items.
func (s *Slice[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.s)
}

// SetSlice replaces the contents with a copy of the given slice.
func (s *Slice[T]) SetSlice(items []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s = slices.Clone(items)
}

// Copy returns a copy of the underlying slice.
func (s *Slice[T]) Copy() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.s)
}

// Seq iterates over a snapshot of the slice.
func (s *Slice[T]) Seq() iter.Seq[T] {
	snapshot := s.Copy()
	return func(yield func(T) bool) {
		for _, v := range snapshot {
			if !yield(v) {
				return
			}
		}
	}
}
