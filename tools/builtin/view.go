// Package builtin provides the standard tool set: file access, shell
// execution, searching, web fetching and session todos.
package builtin

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/hatcher/hatch/tools"
)

//go:embed view.md
var viewDescription string

type ViewParams struct {
	FilePath string `json:"file_path" jsonschema:"description=The path to the file to read"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=The line number to start reading from (0-based)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=The number of lines to read (defaults to 2000)"`
}

type ViewResponseMetadata struct {
	FilePath  string `json:"file_path"`
	LineCount int    `json:"line_count"`
}

const (
	ViewToolName     = "view"
	MaxReadSize      = 5 * 1024 * 1024
	DefaultReadLimit = 2000
	MaxLineLength    = 2000
)

func NewViewTool(workingDir string) tools.BaseTool {
	return tools.NewTool(ViewToolName, viewDescription,
		func(ctx context.Context, params ViewParams, call tools.ToolCall) (tools.ToolResult, error) {
			if params.FilePath == "" {
				return tools.NewErrorResult(tools.ErrValidation, "file_path is required"), nil
			}

			filePath := smartJoin(workingDir, params.FilePath)

			fileInfo, err := os.Stat(filePath)
			if err != nil {
				if os.IsNotExist(err) {
					if suggestions := similarFiles(filePath); len(suggestions) > 0 {
						return tools.NewErrorResult(tools.ErrValidation,
							"File not found: %s\n\nDid you mean one of these?\n%s",
							filePath, strings.Join(suggestions, "\n")), nil
					}
					return tools.NewErrorResult(tools.ErrValidation, "File not found: %s", filePath), nil
				}
				return tools.ToolResult{}, fmt.Errorf("error accessing file: %w", err)
			}

			if fileInfo.IsDir() {
				return tools.NewErrorResult(tools.ErrValidation, "Path is a directory, not a file: %s", filePath), nil
			}
			if fileInfo.Size() > MaxReadSize {
				return tools.NewErrorResult(tools.ErrValidation,
					"File is too large (%d bytes). Maximum size is %d bytes", fileInfo.Size(), MaxReadSize), nil
			}

			if params.Limit <= 0 {
				params.Limit = DefaultReadLimit
			}

			content, lineCount, err := readTextFile(filePath, params.Offset, params.Limit)
			if err != nil {
				return tools.ToolResult{}, fmt.Errorf("error reading file: %w", err)
			}
			if !utf8.ValidString(content) {
				return tools.NewErrorResult(tools.ErrValidation, "File content is not valid UTF-8"), nil
			}

			output := "<file>\n" + addLineNumbers(content, params.Offset+1)
			shown := len(strings.Split(content, "\n"))
			if lineCount > params.Offset+shown {
				output += fmt.Sprintf("\n\n(File has more lines. Use 'offset' parameter to read beyond line %d)",
					params.Offset+shown)
			}
			output += "\n</file>\n"

			return tools.NewTextResultWithMetadata(output, ViewResponseMetadata{
				FilePath:  filePath,
				LineCount: lineCount,
			}), nil
		})
}

// smartJoin resolves path against workingDir unless it is already absolute.
func smartJoin(workingDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workingDir, path)
}

func similarFiles(filePath string) []string {
	dir := filepath.Dir(filePath)
	base := strings.ToLower(filepath.Base(filePath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var suggestions []string
	for _, entry := range entries {
		name := strings.ToLower(entry.Name())
		if strings.Contains(name, base) || strings.Contains(base, name) {
			suggestions = append(suggestions, filepath.Join(dir, entry.Name()))
			if len(suggestions) >= 3 {
				break
			}
		}
	}
	return suggestions
}

func addLineNumbers(content string, startLine int) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(content, "\n")
	result := make([]string, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		result = append(result, fmt.Sprintf("%6d|%s", i+startLine, line))
	}
	return strings.Join(result, "\n")
}

func readTextFile(filePath string, offset, limit int) (string, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := newLineScanner(file)
	lineCount := 0
	for lineCount < offset && scanner.Scan() {
		lineCount++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}

	lines := make([]string, 0, limit)
	for scanner.Scan() && len(lines) < limit {
		lineCount++
		lineText := scanner.Text()
		if len(lineText) > MaxLineLength {
			lineText = lineText[:MaxLineLength] + "..."
		}
		lines = append(lines, lineText)
	}
	for scanner.Scan() {
		lineCount++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	return strings.Join(lines, "\n"), lineCount, nil
}

// newLineScanner allows lines up to 1MB to survive minified files.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
