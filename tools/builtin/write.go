package builtin

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aymanbagabas/go-udiff"

	"github.com/hatcher/hatch/tools"
)

//go:embed write.md
var writeDescription string

type WriteParams struct {
	FilePath string `json:"file_path" jsonschema:"description=The path of the file to write"`
	Content  string `json:"content" jsonschema:"description=The full content to write"`
}

type WriteResponseMetadata struct {
	FilePath string `json:"file_path"`
	Created  bool   `json:"created"`
	Diff     string `json:"diff"`
}

const WriteToolName = "write"

func NewWriteTool(workingDir string) tools.BaseTool {
	return tools.NewTool(WriteToolName, writeDescription,
		func(ctx context.Context, params WriteParams, call tools.ToolCall) (tools.ToolResult, error) {
			if params.FilePath == "" {
				return tools.NewErrorResult(tools.ErrValidation, "file_path is required"), nil
			}

			filePath := smartJoin(workingDir, params.FilePath)

			var before string
			created := true
			if data, err := os.ReadFile(filePath); err == nil {
				before = string(data)
				created = false
			} else if info, statErr := os.Stat(filePath); statErr == nil && info.IsDir() {
				return tools.NewErrorResult(tools.ErrValidation, "Path is a directory: %s", filePath), nil
			}

			if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
				return tools.ToolResult{}, fmt.Errorf("error creating directories: %w", err)
			}
			if err := os.WriteFile(filePath, []byte(params.Content), 0o644); err != nil {
				return tools.ToolResult{}, fmt.Errorf("error writing file: %w", err)
			}

			diff := udiff.Unified(filePath+" (before)", filePath+" (after)", before, params.Content)
			verb := "Updated"
			if created {
				verb = "Created"
			}
			return tools.NewTextResultWithMetadata(
				fmt.Sprintf("%s %s (%d bytes)", verb, filePath, len(params.Content)),
				WriteResponseMetadata{FilePath: filePath, Created: created, Diff: diff},
			), nil
		},
		tools.WithPermission(func(input string) string {
			var p WriteParams
			if err := json.Unmarshal([]byte(input), &p); err != nil {
				return ""
			}
			return p.FilePath
		}))
}
