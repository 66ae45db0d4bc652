package builtin

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/hatcher/hatch/session"
	"github.com/hatcher/hatch/tools"
)

//go:embed todos.md
var todosDescription string

const TodosToolName = "todos"

type TodosParams struct {
	Todos []TodoItem `json:"todos" jsonschema:"description=The updated todo list"`
}

type TodoItem struct {
	Content    string `json:"content" jsonschema:"description=What needs to be done (imperative form)"`
	Status     string `json:"status" jsonschema:"description=Task status: pending in_progress or completed,enum=pending,enum=in_progress,enum=completed"`
	ActiveForm string `json:"active_form" jsonschema:"description=Present continuous form (e.g. 'Running tests')"`
}

type TodosResponseMetadata struct {
	IsNew         bool           `json:"is_new"`
	Todos         []session.Todo `json:"todos"`
	JustCompleted []string       `json:"just_completed,omitempty"`
	JustStarted   string         `json:"just_started,omitempty"`
	Completed     int            `json:"completed"`
	Total         int            `json:"total"`
}

// NewTodosTool gives the model a scoped write capability on the session's
// todo list, nothing else on the session.
func NewTodosTool(sessions session.Service) tools.BaseTool {
	return tools.NewTool(TodosToolName, todosDescription,
		func(ctx context.Context, params TodosParams, call tools.ToolCall) (tools.ToolResult, error) {
			sessionID := tools.GetSessionFromContext(ctx)
			if sessionID == "" {
				return tools.ToolResult{}, fmt.Errorf("session ID is required for managing todos")
			}

			currentSession, err := sessions.Get(ctx, sessionID)
			if err != nil {
				return tools.ToolResult{}, fmt.Errorf("failed to get session: %w", err)
			}

			for _, item := range params.Todos {
				switch item.Status {
				case "pending", "in_progress", "completed":
				default:
					return tools.NewErrorResult(tools.ErrValidation,
						"invalid status %q for todo %q", item.Status, item.Content), nil
				}
			}

			isNew := len(currentSession.Todos) == 0
			oldStatusByContent := make(map[string]session.TodoStatus)
			for _, todo := range currentSession.Todos {
				oldStatusByContent[todo.Content] = todo.Status
			}

			todos := make([]session.Todo, len(params.Todos))
			var justCompleted []string
			var justStarted string
			completedCount := 0
			pendingCount := 0
			inProgressCount := 0

			for i, item := range params.Todos {
				todos[i] = session.Todo{
					Content:    item.Content,
					Status:     session.TodoStatus(item.Status),
					ActiveForm: item.ActiveForm,
				}

				oldStatus, existed := oldStatusByContent[item.Content]
				switch session.TodoStatus(item.Status) {
				case session.TodoStatusCompleted:
					completedCount++
					if existed && oldStatus != session.TodoStatusCompleted {
						justCompleted = append(justCompleted, item.Content)
					}
				case session.TodoStatusInProgress:
					inProgressCount++
					if !existed || oldStatus != session.TodoStatusInProgress {
						if item.ActiveForm != "" {
							justStarted = item.ActiveForm
						} else {
							justStarted = item.Content
						}
					}
				default:
					pendingCount++
				}
			}

			currentSession.Todos = todos
			if _, err := sessions.Save(ctx, currentSession); err != nil {
				return tools.ToolResult{}, fmt.Errorf("failed to save todos: %w", err)
			}

			response := fmt.Sprintf("Todo list updated.\nStatus: %d pending, %d in progress, %d completed\n",
				pendingCount, inProgressCount, completedCount)
			response += "Continue to use the todo list to track your progress."

			return tools.NewTextResultWithMetadata(response, TodosResponseMetadata{
				IsNew:         isNew,
				Todos:         todos,
				JustCompleted: justCompleted,
				JustStarted:   justStarted,
				Completed:     completedCount,
				Total:         len(todos),
			}), nil
		})
}
