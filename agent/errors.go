package agent

import "errors"

var (
	// ErrSessionBusy means a run is already in flight and the prompt was
	// queued instead of started.
	ErrSessionBusy = errors.New("agent: session busy")
	// ErrRequestCancelled is a user-issued interrupt of the in-flight run.
	ErrRequestCancelled = errors.New("agent: request cancelled")
	// ErrTurnLimit means the per-input model round-trip cap was hit.
	ErrTurnLimit = errors.New("agent: turn limit reached")
	// ErrBudgetExceeded means the session cost ceiling was reached before a
	// model call.
	ErrBudgetExceeded = errors.New("agent: cost budget exceeded")
	// ErrTerminated means the conversation hit a fatal error and accepts no
	// further input.
	ErrTerminated = errors.New("agent: conversation terminated")
)
