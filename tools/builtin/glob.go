package builtin

import (
	"context"
	_ "embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/hatcher/hatch/tools"
)

//go:embed glob.md
var globDescription string

type GlobParams struct {
	Pattern string `json:"pattern" jsonschema:"description=The glob pattern to match files against"`
	Path    string `json:"path,omitempty" jsonschema:"description=The directory to search in (defaults to the working directory)"`
}

type GlobResponseMetadata struct {
	Count     int  `json:"count"`
	Truncated bool `json:"truncated"`
}

const (
	GlobToolName   = "glob"
	MaxGlobResults = 100
)

func NewGlobTool(workingDir string) tools.BaseTool {
	return tools.NewTool(GlobToolName, globDescription,
		func(ctx context.Context, params GlobParams, call tools.ToolCall) (tools.ToolResult, error) {
			if params.Pattern == "" {
				return tools.NewErrorResult(tools.ErrValidation, "pattern is required"), nil
			}
			root := workingDir
			if params.Path != "" {
				root = smartJoin(workingDir, params.Path)
			}

			matches, truncated, err := globFiles(ctx, root, params.Pattern)
			if err != nil {
				return tools.ToolResult{}, fmt.Errorf("glob failed: %w", err)
			}
			if len(matches) == 0 {
				return tools.NewTextResult("No files matched the pattern."), nil
			}

			output := strings.Join(matches, "\n")
			if truncated {
				output += fmt.Sprintf("\n\n(Results truncated at %d files. Use a more specific pattern.)", MaxGlobResults)
			}
			return tools.NewTextResultWithMetadata(output, GlobResponseMetadata{
				Count:     len(matches),
				Truncated: truncated,
			}), nil
		})
}

type globMatch struct {
	path    string
	modTime int64
}

func globFiles(ctx context.Context, root, pattern string) ([]string, bool, error) {
	matcher := loadIgnore(root)

	var mu sync.Mutex
	var found []globMatch

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if matcher != nil && rel != "." && matcher.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			return nil
		}
		if ok, matchErr := doublestar.Match(pattern, filepath.ToSlash(rel)); matchErr != nil || !ok {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		mu.Lock()
		found = append(found, globMatch{path: rel, modTime: info.ModTime().Unix()})
		mu.Unlock()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return nil, false, err
	}

	slices.SortFunc(found, func(a, b globMatch) int {
		if a.modTime != b.modTime {
			return int(b.modTime - a.modTime)
		}
		return strings.Compare(a.path, b.path)
	})

	truncated := len(found) > MaxGlobResults
	if truncated {
		found = found[:MaxGlobResults]
	}
	paths := make([]string, len(found))
	for i, m := range found {
		paths[i] = m.path
	}
	return paths, truncated, nil
}

func loadIgnore(root string) *ignore.GitIgnore {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
}
