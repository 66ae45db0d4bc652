package permission

// GrantScope controls how long an approval lasts.
type GrantScope string

const (
	// ScopeOnce approves the single pending invocation only.
	ScopeOnce GrantScope = "once"
	// ScopeSession approves this tool/action pair for the rest of the
	// session.
	ScopeSession GrantScope = "session"
	// ScopeAlways persists the approval into the session's permission
	// memory, surviving restarts.
	ScopeAlways GrantScope = "always"
)

type PermissionRequest struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	ToolCallID  string `json:"tool_call_id"`
	ToolName    string `json:"tool_name"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Path        string `json:"path"`
	Params      any    `json:"params"`
}

// Key is the tool:action pattern subject this request is matched against.
func (r PermissionRequest) Key() string {
	if r.Action == "" {
		return r.ToolName
	}
	return r.ToolName + ":" + r.Action
}

type PermissionNotification struct {
	ToolCallID string `json:"tool_call_id"`
	Granted    bool   `json:"granted"`
	Denied     bool   `json:"denied"`
}
