// Package safego runs goroutines that log panics instead of crashing the
// process.
package safego

import (
	"runtime/debug"

	"github.com/hatcher/hatch/logs"
)

// Recovery logs a recovered panic with its stack. Use as a deferred call.
func Recovery() {
	e := recover()
	if e == nil {
		return
	}
	logs.Errorf("[Recovery] caught panic: %v\nstacktrace:\n%s", e, string(debug.Stack()))
}

// Go starts f on a goroutine that survives panics.
func Go(f func()) {
	go func() {
		defer Recovery()
		f()
	}()
}
