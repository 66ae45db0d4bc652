package tools

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Registry holds the full tool set in registration order. Registration
// order is the order descriptors are advertised to the model.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]BaseTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]BaseTool)}
}

// Register adds a tool; registering the same name twice replaces the
// earlier tool in place.
func (r *Registry) Register(tool BaseTool) {
	name := tool.Info().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

func (r *Registry) Get(name string) (BaseTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BaseTool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ListAvailable filters the registry by glob-style name patterns. An empty
// allowlist admits everything; the denylist wins on conflict.
func (r *Registry) ListAvailable(allowlist, denylist []string) []BaseTool {
	all := r.All()
	out := make([]BaseTool, 0, len(all))
	for _, tool := range all {
		name := tool.Info().Name
		if matchName(denylist, name) {
			continue
		}
		if len(allowlist) > 0 && !matchName(allowlist, name) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

func matchName(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
