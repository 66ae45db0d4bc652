package storage

import "encoding/json"

// Session is the persisted session header. Structured sub-documents
// (todos, usage, permission memory) are kept as raw JSON here; the domain
// services own their shape.
type Session struct {
	ID               string          `json:"sessionId"`
	ParentSessionID  string          `json:"parentSessionId,omitempty"`
	Title            string          `json:"title"`
	WorkingDir       string          `json:"workingDirectory"`
	PromptTokens     int64           `json:"promptTokens"`
	CompletionTokens int64           `json:"completionTokens"`
	Cost             float64         `json:"cost"`
	SummaryMessageID string          `json:"summaryMessageId,omitempty"`
	Todos            json.RawMessage `json:"todos,omitempty"`
	Usage            json.RawMessage `json:"usage,omitempty"`
	PermissionMemory json.RawMessage `json:"permissionMemory,omitempty"`
	CreatedAt        int64           `json:"createdAt"`
	UpdatedAt        int64           `json:"updatedAt"`
}

// Message is one persisted conversation turn. Parts is the tagged-union
// document produced by the message package's codec.
type Message struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"sessionId"`
	Role             string          `json:"role"`
	Parts            json.RawMessage `json:"parts"`
	Model            string          `json:"model,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	IsSummaryMessage bool            `json:"isSummaryMessage,omitempty"`
	CreatedAt        int64           `json:"createdAt"`
	UpdatedAt        int64           `json:"updatedAt"`
}

// sessionFile is the on-disk document: the session header plus its full
// message history, one file per session.
type sessionFile struct {
	Session
	Messages []Message `json:"messages"`
}

type CreateSessionArgs struct {
	ID              string
	ParentSessionID string
	Title           string
	WorkingDir      string
}

type UpdateSessionArgs struct {
	ID               string
	Title            string
	WorkingDir       string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	SummaryMessageID string
	Todos            json.RawMessage
	Usage            json.RawMessage
	PermissionMemory json.RawMessage
}

type CreateMessageArgs struct {
	ID               string
	SessionID        string
	Role             string
	Parts            json.RawMessage
	Model            string
	Provider         string
	IsSummaryMessage bool
}

type UpdateMessageArgs struct {
	ID    string
	Parts json.RawMessage
}

type ForkSessionArgs struct {
	SourceID string
	NewID    string
	// TruncateAt keeps messages[:TruncateAt] in the fork; negative keeps all.
	TruncateAt int
}
