package message

import (
	"slices"
	"strings"
	"time"
)

type MessageRole string

const (
	User      MessageRole = "user"
	Assistant MessageRole = "assistant"
	Tool      MessageRole = "tool"
)

type FinishReason string

const (
	FinishReasonEndTurn          FinishReason = "end_turn"
	FinishReasonMaxTokens        FinishReason = "max_tokens"
	FinishReasonToolUse          FinishReason = "tool_use"
	FinishReasonCanceled         FinishReason = "canceled"
	FinishReasonError            FinishReason = "error"
	FinishReasonPermissionDenied FinishReason = "permission_denied"
	FinishReasonTurnLimit        FinishReason = "turn_limit"
	FinishReasonBudgetExceeded   FinishReason = "budget_exceeded"
	FinishReasonUnknown          FinishReason = "unknown"
)

// ContentPart is one typed unit of message content.
type ContentPart interface {
	isPart()
}

type TextContent struct {
	Text string `json:"text"`
}

func (TextContent) isPart() {}

type ReasoningContent struct {
	Thinking   string `json:"thinking"`
	Signature  string `json:"signature,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

func (ReasoningContent) isPart() {}

func (r ReasoningContent) String() string { return r.Thinking }

type ImageURLContent struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (ImageURLContent) isPart() {}

type BinaryContent struct {
	Path     string `json:"path"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func (BinaryContent) isPart() {}

// ToolCall is a tool-invocation request emitted by the assistant. Input is
// the raw JSON argument document; Finished reports whether the input stream
// for this call completed.
type ToolCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Input    string `json:"input"`
	Finished bool   `json:"finished"`
}

func (ToolCall) isPart() {}

// ToolResult correlates back to a ToolCall by ID.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Metadata   string `json:"metadata,omitempty"`
	IsError    bool   `json:"is_error"`
}

func (ToolResult) isPart() {}

type Finish struct {
	Reason  FinishReason `json:"reason"`
	Time    int64        `json:"time"`
	Title   string       `json:"title,omitempty"`
	Details string       `json:"details,omitempty"`
}

func (Finish) isPart() {}

// Message is one turn of a conversation.
type Message struct {
	ID               string
	SessionID        string
	Role             MessageRole
	Parts            []ContentPart
	Model            string
	Provider         string
	IsSummaryMessage bool
	CreatedAt        int64
	UpdatedAt        int64
}

// Content returns the concatenated text content.
func (m *Message) Content() TextContent {
	for _, part := range m.Parts {
		if c, ok := part.(TextContent); ok {
			return c
		}
	}
	return TextContent{}
}

// AppendContent appends a text delta to the message's text part, creating
// it if absent.
func (m *Message) AppendContent(delta string) {
	found := false
	for i, part := range m.Parts {
		if c, ok := part.(TextContent); ok {
			m.Parts[i] = TextContent{Text: c.Text + delta}
			found = true
			break
		}
	}
	if !found {
		m.Parts = append(m.Parts, TextContent{Text: delta})
	}
}

// ReasoningContent returns the message's reasoning part, if any.
func (m *Message) ReasoningContent() ReasoningContent {
	for _, part := range m.Parts {
		if c, ok := part.(ReasoningContent); ok {
			return c
		}
	}
	return ReasoningContent{}
}

// AppendReasoningContent appends a thinking delta.
func (m *Message) AppendReasoningContent(delta string) {
	for i, part := range m.Parts {
		if c, ok := part.(ReasoningContent); ok {
			c.Thinking += delta
			m.Parts[i] = c
			return
		}
	}
	m.Parts = append(m.Parts, ReasoningContent{Thinking: delta, StartedAt: time.Now().Unix()})
}

// FinishThinking stamps the reasoning part as finished.
func (m *Message) FinishThinking() {
	for i, part := range m.Parts {
		if c, ok := part.(ReasoningContent); ok && c.FinishedAt == 0 {
			c.FinishedAt = time.Now().Unix()
			m.Parts[i] = c
			return
		}
	}
}

// ToolCalls returns all tool-call parts in order of appearance.
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Parts {
		if tc, ok := part.(ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// AddToolCall appends a tool call, or replaces an existing one with the
// same ID (used when a streamed call's input completes).
func (m *Message) AddToolCall(tc ToolCall) {
	for i, part := range m.Parts {
		if existing, ok := part.(ToolCall); ok && existing.ID == tc.ID {
			m.Parts[i] = tc
			return
		}
	}
	m.Parts = append(m.Parts, tc)
}

// SetToolCalls replaces all tool-call parts with the given set, keeping
// the non-tool-call parts in place.
func (m *Message) SetToolCalls(calls []ToolCall) {
	kept := make([]ContentPart, 0, len(m.Parts))
	for _, part := range m.Parts {
		if _, ok := part.(ToolCall); !ok {
			kept = append(kept, part)
		}
	}
	for _, tc := range calls {
		kept = append(kept, tc)
	}
	m.Parts = kept
}

// ToolResults returns all tool-result parts in order of appearance.
func (m *Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, part := range m.Parts {
		if tr, ok := part.(ToolResult); ok {
			results = append(results, tr)
		}
	}
	return results
}

// AddToolResult appends a tool result part.
func (m *Message) AddToolResult(tr ToolResult) {
	m.Parts = append(m.Parts, tr)
}

// AddFinish marks the message as finished, replacing any prior finish part.
func (m *Message) AddFinish(reason FinishReason, title, details string) {
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if _, ok := m.Parts[i].(Finish); ok {
			m.Parts = slices.Delete(m.Parts, i, i+1)
		}
	}
	m.Parts = append(m.Parts, Finish{Reason: reason, Time: time.Now().Unix(), Title: title, Details: details})
}

// FinishPart returns the finish part, or nil if the message is unfinished.
func (m *Message) FinishPart() *Finish {
	for _, part := range m.Parts {
		if f, ok := part.(Finish); ok {
			return &f
		}
	}
	return nil
}

func (m *Message) FinishReason() FinishReason {
	if f := m.FinishPart(); f != nil {
		return f.Reason
	}
	return FinishReasonUnknown
}

func (m *Message) IsFinished() bool {
	return m.FinishPart() != nil
}

// Clone returns a deep copy safe for concurrent publication.
func (m *Message) Clone() Message {
	clone := *m
	clone.Parts = make([]ContentPart, len(m.Parts))
	for i, part := range m.Parts {
		if b, ok := part.(BinaryContent); ok {
			b.Data = slices.Clone(b.Data)
			clone.Parts[i] = b
			continue
		}
		clone.Parts[i] = part
	}
	return clone
}

// Text renders the message's visible content as plain text, used when a
// conversation prefix is flattened for summarization.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		switch p := part.(type) {
		case TextContent:
			sb.WriteString(p.Text)
		case ToolCall:
			sb.WriteString("\n[tool call: " + p.Name + " " + p.Input + "]")
		case ToolResult:
			sb.WriteString("\n[tool result (" + p.Name + "): " + p.Content + "]")
		}
	}
	return sb.String()
}
