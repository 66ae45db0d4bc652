package session

import "time"

type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "pending"
	TodoStatusInProgress TodoStatus = "in_progress"
	TodoStatusCompleted  TodoStatus = "completed"
)

type Todo struct {
	Content    string     `json:"content"`
	Status     TodoStatus `json:"status"`
	ActiveForm string     `json:"active_form"`
}

// ModelUsage accumulates token, time and cost counters for one model.
// A session may span multiple models, so Session.Usage is keyed by model ID.
type ModelUsage struct {
	InputTokens         int64         `json:"input_tokens"`
	OutputTokens        int64         `json:"output_tokens"`
	CacheReadTokens     int64         `json:"cache_read_tokens"`
	CacheCreationTokens int64         `json:"cache_creation_tokens"`
	APITime             time.Duration `json:"api_time"`
	ToolTime            time.Duration `json:"tool_time"`
	Cost                float64       `json:"cost"`
}

func (u ModelUsage) add(other ModelUsage) ModelUsage {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.APITime += other.APITime
	u.ToolTime += other.ToolTime
	u.Cost += other.Cost
	return u
}

type Session struct {
	ID              string  `json:"id"`
	ParentSessionID string  `json:"parent_session_id"`
	Title           string  `json:"title"`
	WorkingDir      string  `json:"working_dir"`
	// PromptTokens and CompletionTokens track the current context window
	// occupancy (reset by compaction), not lifetime totals; totals live in
	// Usage.
	PromptTokens     int64                 `json:"prompt_tokens"`
	CompletionTokens int64                 `json:"completion_tokens"`
	SummaryMessageID string                `json:"summary_message_id"`
	Cost             float64               `json:"cost"`
	Todos            []Todo                `json:"todos"`
	Usage            map[string]ModelUsage `json:"usage"`
	// PermissionMemory holds tool:action patterns the user approved with
	// "always" scope. Matched with doublestar globs by the permission
	// service.
	PermissionMemory []string `json:"permission_memory"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

// AddUsage merges usage for the given model into the ledger and rolls the
// cost into the session total.
func (s *Session) AddUsage(model string, u ModelUsage) {
	if s.Usage == nil {
		s.Usage = make(map[string]ModelUsage)
	}
	s.Usage[model] = s.Usage[model].add(u)
	s.Cost += u.Cost
}

// TotalUsage sums the ledger across models.
func (s *Session) TotalUsage() ModelUsage {
	var total ModelUsage
	for _, u := range s.Usage {
		total = total.add(u)
	}
	return total
}
