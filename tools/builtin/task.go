package builtin

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/hatcher/hatch/tools"
)

//go:embed task.md
var taskDescription string

const TaskToolName = "task"

type TaskParams struct {
	Prompt      string `json:"prompt" jsonschema:"description=The complete standalone task for the sub-agent"`
	Description string `json:"description,omitempty" jsonschema:"description=A short (3-5 word) description of the task"`
	Background  bool   `json:"background,omitempty" jsonschema:"description=Run the sub-agent as a background job"`
}

// SubAgentFunc runs one isolated sub-conversation and returns its final
// text answer.
type SubAgentFunc func(ctx context.Context, prompt string) (string, error)

func NewTaskTool(run SubAgentFunc, jobs *tools.Manager) tools.BaseTool {
	return tools.NewTool(TaskToolName, taskDescription,
		func(ctx context.Context, params TaskParams, call tools.ToolCall) (tools.ToolResult, error) {
			if params.Prompt == "" {
				return tools.NewErrorResult(tools.ErrValidation, "prompt is required"), nil
			}

			if params.Background {
				job, toolErr := jobs.Start(ctx, TaskToolName, func(jobCtx context.Context, report func(string)) (tools.ToolResult, error) {
					answer, err := run(jobCtx, params.Prompt)
					if err != nil {
						return tools.NewErrorResult(tools.ErrHandlerException, "sub-agent failed: %v", err), nil
					}
					return tools.NewTextResult(answer), nil
				})
				if toolErr != nil {
					return tools.ToolResult{Success: false, Error: toolErr}, nil
				}
				return tools.ToolResult{
					Success: true,
					Output:  fmt.Sprintf("Started sub-agent job %s", job.ID),
					JobID:   job.ID,
				}, nil
			}

			answer, err := run(ctx, params.Prompt)
			if err != nil {
				return tools.NewErrorResult(tools.ErrHandlerException, "sub-agent failed: %v", err), nil
			}
			return tools.NewTextResult(answer), nil
		},
		tools.WithBackground())
}
