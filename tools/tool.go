// Package tools holds the tool registry, the dispatcher that turns model
// tool-call requests into handler executions, and the background job table.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

type (
	sessionIDContextKey string
	messageIDContextKey string
)

const (
	// SessionIDContextKey is the key for the session ID in the context.
	SessionIDContextKey sessionIDContextKey = "session_id"
	// MessageIDContextKey is the key for the message ID in the context.
	MessageIDContextKey messageIDContextKey = "message_id"
)

// GetSessionFromContext retrieves the session ID from the context.
func GetSessionFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(SessionIDContextKey).(string); ok {
		return s
	}
	return ""
}

// GetMessageFromContext retrieves the message ID from the context.
func GetMessageFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(MessageIDContextKey).(string); ok {
		return s
	}
	return ""
}

// ErrorKind classifies a failed tool execution.
type ErrorKind string

const (
	ErrUnknownTool      ErrorKind = "UnknownTool"
	ErrValidation       ErrorKind = "ValidationError"
	ErrPermissionDenied ErrorKind = "PermissionDenied"
	ErrHandlerException ErrorKind = "HandlerException"
	ErrCapacityExceeded ErrorKind = "CapacityExceeded"
	ErrCanceled         ErrorKind = "Canceled"
)

type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ToolCall is one invocation request from the model.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// ToolResult is the normalized outcome envelope for every invocation. A
// failed handler still yields a result, never a propagated error.
type ToolResult struct {
	ToolCallID string     `json:"tool_call_id"`
	Success    bool       `json:"success"`
	Output     string     `json:"output,omitempty"`
	Error      *ToolError `json:"error,omitempty"`
	// Metadata carries structured side-effect detail (diffs, exit codes)
	// as JSON for the UI.
	Metadata   string `json:"metadata,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	// JobID is set when the invocation started a background job instead of
	// completing synchronously.
	JobID string `json:"job_id,omitempty"`
}

func NewTextResult(output string) ToolResult {
	return ToolResult{Success: true, Output: output}
}

func NewTextResultWithMetadata(output string, metadata any) ToolResult {
	data, err := json.Marshal(metadata)
	if err != nil {
		return NewTextResult(output)
	}
	return ToolResult{Success: true, Output: output, Metadata: string(data)}
}

func NewErrorResult(kind ErrorKind, format string, args ...any) ToolResult {
	return ToolResult{
		Success: false,
		Error:   &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)},
	}
}

// ToolInfo describes a tool to the registry and, via its schema, to the
// model.
type ToolInfo struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	// Action extracts the permission subject from a validated input, e.g.
	// the command for a shell tool. Nil means the tool name alone is the
	// subject.
	Action func(input string) string
	// RequiresPermission marks tools whose invocations must clear the
	// permission layer before running.
	RequiresPermission bool
	// BackgroundCapable marks tools that may be dispatched as background
	// jobs.
	BackgroundCapable bool
}

// BaseTool is the executable surface of a tool.
type BaseTool interface {
	Info() ToolInfo
	Run(ctx context.Context, call ToolCall) (ToolResult, error)
}

type funcTool[P any] struct {
	info    ToolInfo
	handler func(ctx context.Context, params P, call ToolCall) (ToolResult, error)
}

// ToolOption tweaks the descriptor of a tool built with NewTool.
type ToolOption func(*ToolInfo)

func WithPermission(action func(input string) string) ToolOption {
	return func(info *ToolInfo) {
		info.RequiresPermission = true
		info.Action = action
	}
}

func WithBackground() ToolOption {
	return func(info *ToolInfo) { info.BackgroundCapable = true }
}

// NewTool builds a tool from a typed handler. The input schema is derived
// from P; inputs are validated strictly before the handler runs, so the
// handler only ever sees well-formed parameters.
func NewTool[P any](name, description string, handler func(ctx context.Context, params P, call ToolCall) (ToolResult, error), opts ...ToolOption) BaseTool {
	info := ToolInfo{
		Name:        name,
		Description: description,
		Parameters:  paramSchema[P](),
	}
	for _, opt := range opts {
		opt(&info)
	}
	return &funcTool[P]{info: info, handler: handler}
}

// paramSchema derives the input schema from P. The expanded-struct
// reflection requires a named struct type; anything else gets the
// permissive object schema instead.
func paramSchema[P any]() json.RawMessage {
	objectSchema := json.RawMessage(`{"type":"object"}`)
	t := reflect.TypeFor[P]()
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return objectSchema
	}
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero P
	schemaJSON, err := json.Marshal(reflector.Reflect(&zero))
	if err != nil {
		return objectSchema
	}
	return schemaJSON
}

func (t *funcTool[P]) Info() ToolInfo { return t.info }

func (t *funcTool[P]) Run(ctx context.Context, call ToolCall) (ToolResult, error) {
	params, err := decodeParams[P](call.Input)
	if err != nil {
		result := NewErrorResult(ErrValidation, "invalid input for %s: %v", call.Name, err)
		result.ToolCallID = call.ID
		return result, nil
	}
	result, err := t.handler(ctx, params, call)
	result.ToolCallID = call.ID
	return result, err
}

func decodeParams[P any](input string) (P, error) {
	var params P
	if input == "" {
		input = "{}"
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(input)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&params); err != nil {
		return params, err
	}
	return params, nil
}
