package csync

import (
	"reflect"
	"sync"
)

// Value holds a single T behind a read-write lock.
//
// Slices and maps have dedicated wrappers, [Slice] and [Map]. Pointer
// payloads defeat the copy-on-read semantics and are rejected.
type Value[T any] struct {
	mu  sync.RWMutex
	val T
}

// NewValue wraps the initial value. It panics for pointer, slice and map
// payloads.
func NewValue[T any](initial T) *Value[T] {
	switch reflect.ValueOf(initial).Kind() {
	case reflect.Pointer:
		panic("csync.Value does not support pointer types")
	case reflect.Slice:
		panic("csync.Value does not support slice types; use csync.Slice")
	case reflect.Map:
		panic("csync.Value does not support map types; use csync.Map")
	}
	return &Value[T]{val: initial}
}

// Get returns a copy of the held value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val
}

// Set replaces the held value.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.val = val
}
