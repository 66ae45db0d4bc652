package agent

import (
	"github.com/hatcher/hatch/message"
	"github.com/hatcher/hatch/tools"
)

// State is the orchestrator's position in the conversation state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingModel        State = "awaiting_model"
	StateInterpretingResponse State = "interpreting_response"
	StateDispatchingTools     State = "dispatching_tools"
	StateAwaitingPermission   State = "awaiting_permission"
	StateTerminated           State = "terminated"
)

type EventType string

const (
	// EventRunStarted opens a run for one user input.
	EventRunStarted EventType = "run_started"
	// EventContentDelta streams assistant text as it arrives.
	EventContentDelta EventType = "content_delta"
	// EventThinkingDelta streams reasoning text as it arrives.
	EventThinkingDelta EventType = "thinking_delta"
	// EventToolCallStarted fires when a complete tool call block has been
	// assembled and is about to be dispatched.
	EventToolCallStarted EventType = "tool_call_started"
	// EventToolResult fires when a dispatched call produced its result.
	EventToolResult EventType = "tool_result"
	// EventCompaction fires when the history was compressed.
	EventCompaction EventType = "compaction"
	// EventStateChanged reports state machine transitions.
	EventStateChanged EventType = "state_changed"
	// EventRunFinished closes a run; Message carries the final assistant
	// turn and its finish part explains why.
	EventRunFinished EventType = "run_finished"
	// EventError reports a turn-level failure; the conversation returns to
	// idle.
	EventError EventType = "error"
)

type Event struct {
	Type      EventType
	SessionID string
	MessageID string
	State     State
	Content   string
	ToolCall  message.ToolCall
	Result    tools.ToolResult
	Message   message.Message
	// TokensBefore/TokensAfter are set on compaction events.
	TokensBefore int64
	TokensAfter  int64
	Err          error
	Done         bool
}
