// Package provider speaks the streaming model-backend protocol. A model
// call is a cancellable stream of typed events; callers consume the channel
// until message_stop or an error event.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventError             EventType = "error"
)

type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolUse  BlockType = "tool_use"
	BlockThinking BlockType = "thinking"
)

type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// Event is one unit of a model response stream. Fields are populated
// according to Type: block events carry Index, delta events carry Text or
// PartialJSON, message_delta carries StopReason and Usage.
type Event struct {
	Type      EventType
	Index     int
	BlockType BlockType

	// tool_use block identity, set on content_block_start
	ToolCallID string
	ToolName   string

	Text        string
	PartialJSON string

	StopReason StopReason
	Usage      Usage

	Err error
}

// Error is a backend failure with enough shape for the caller to decide
// whether retrying makes sense.
type Error struct {
	Status    int
	Retryable bool
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
}

// ToolDescriptor advertises a callable tool to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Message is one conversation turn in backend wire shape.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolDescriptor
	MaxOutputTokens int64
}

// Client streams one model response per call. The returned channel closes
// after message_stop or a terminal error event; cancelling ctx aborts the
// stream.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
