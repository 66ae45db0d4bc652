package builtin

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatcher/hatch/shell"
	"github.com/hatcher/hatch/tools"
)

//go:embed bash.md
var bashDescription string

type BashParams struct {
	Command     string `json:"command" jsonschema:"description=The shell command to execute"`
	Description string `json:"description,omitempty" jsonschema:"description=A short human-readable description of what the command does"`
	Background  bool   `json:"background,omitempty" jsonschema:"description=Run the command as a background job and return a job_id immediately"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema:"description=Timeout in milliseconds for foreground commands"`
}

type BashResponseMetadata struct {
	ExitCode   int    `json:"exit_code"`
	Stderr     string `json:"stderr,omitempty"`
	WorkingDir string `json:"working_dir"`
}

const (
	BashToolName      = "bash"
	MaxOutputLength   = 30000
	DefaultBashWait   = 2 * time.Minute
	MaxBashWait       = 10 * time.Minute
	bashOutputClipped = "\n... (output truncated)"
)

func NewBashTool(workingDir string, jobs *tools.Manager, blockFuncs []shell.BlockFunc) tools.BaseTool {
	sh := shell.NewShell(&shell.Options{WorkingDir: workingDir, BlockFuncs: blockFuncs})

	return tools.NewTool(BashToolName, bashDescription,
		func(ctx context.Context, params BashParams, call tools.ToolCall) (tools.ToolResult, error) {
			if params.Command == "" {
				return tools.NewErrorResult(tools.ErrValidation, "command is required"), nil
			}

			if params.Background {
				job, toolErr := jobs.Start(ctx, BashToolName, func(jobCtx context.Context, report func(string)) (tools.ToolResult, error) {
					return runCommand(jobCtx, sh, workingDir, params.Command, 0), nil
				})
				if toolErr != nil {
					return tools.ToolResult{Success: false, Error: toolErr}, nil
				}
				return tools.ToolResult{
					Success: true,
					Output:  fmt.Sprintf("Started background job %s for: %s", job.ID, params.Command),
					JobID:   job.ID,
				}, nil
			}

			timeout := DefaultBashWait
			if params.TimeoutMs > 0 {
				timeout = min(time.Duration(params.TimeoutMs)*time.Millisecond, MaxBashWait)
			}
			return runCommand(ctx, sh, workingDir, params.Command, timeout), nil
		},
		tools.WithPermission(func(input string) string {
			var p BashParams
			if err := json.Unmarshal([]byte(input), &p); err != nil {
				return ""
			}
			return p.Command
		}),
		tools.WithBackground())
}

func runCommand(ctx context.Context, sh *shell.Shell, workingDir, command string, timeout time.Duration) tools.ToolResult {
	stdout, stderr, exitCode, err := sh.ExecWithTimeout(ctx, command, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return tools.NewErrorResult(tools.ErrCanceled, "command interrupted: %s", command)
		}
		return tools.NewErrorResult(tools.ErrHandlerException, "%v", err)
	}

	output := stdout
	if exitCode != 0 {
		output = fmt.Sprintf("%s\n(exit code %d)", output, exitCode)
		if stderr != "" {
			output += "\nstderr:\n" + stderr
		}
	}
	if len(output) > MaxOutputLength {
		output = output[:MaxOutputLength] + bashOutputClipped
	}
	if output == "" {
		output = "(no output)"
	}

	return tools.NewTextResultWithMetadata(output, BashResponseMetadata{
		ExitCode:   exitCode,
		Stderr:     truncate(stderr, 4000),
		WorkingDir: workingDir,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
