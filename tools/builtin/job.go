package builtin

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatcher/hatch/tools"
)

//go:embed job.md
var jobDescription string

type JobParams struct {
	Action    string `json:"action" jsonschema:"description=One of: poll kill list,enum=poll,enum=kill,enum=list"`
	JobID     string `json:"job_id,omitempty" jsonschema:"description=The job to poll or kill"`
	Block     bool   `json:"block,omitempty" jsonschema:"description=For poll: wait until the job finishes or timeout_ms elapses"`
	TimeoutMs int    `json:"timeout_ms,omitempty" jsonschema:"description=For blocking poll: how long to wait (default 5000)"`
}

const JobToolName = "job"

func NewJobTool(jobs *tools.Manager) tools.BaseTool {
	return tools.NewTool(JobToolName, jobDescription,
		func(ctx context.Context, params JobParams, call tools.ToolCall) (tools.ToolResult, error) {
			switch params.Action {
			case "poll":
				if params.JobID == "" {
					return tools.NewErrorResult(tools.ErrValidation, "job_id is required for poll"), nil
				}
				snap, ok := jobs.Poll(ctx, params.JobID, params.Block, time.Duration(params.TimeoutMs)*time.Millisecond)
				if !ok {
					return tools.NewErrorResult(tools.ErrValidation, "no such job: %s", params.JobID), nil
				}
				return snapshotResult(snap)
			case "kill":
				if params.JobID == "" {
					return tools.NewErrorResult(tools.ErrValidation, "job_id is required for kill"), nil
				}
				if !jobs.Cancel(params.JobID) {
					return tools.NewErrorResult(tools.ErrValidation, "job not found or already finished: %s", params.JobID), nil
				}
				return tools.NewTextResult(fmt.Sprintf("Cancellation requested for job %s", params.JobID)), nil
			case "list":
				snaps := jobs.List()
				if len(snaps) == 0 {
					return tools.NewTextResult("No background jobs."), nil
				}
				var out string
				for _, snap := range snaps {
					out += fmt.Sprintf("%s  %-10s %s\n", snap.ID, snap.Status, snap.ToolName)
				}
				return tools.NewTextResult(out), nil
			default:
				return tools.NewErrorResult(tools.ErrValidation, "unknown action: %s", params.Action), nil
			}
		})
}

func snapshotResult(snap tools.JobSnapshot) (tools.ToolResult, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return tools.ToolResult{}, err
	}
	return tools.NewTextResult(string(data)), nil
}
