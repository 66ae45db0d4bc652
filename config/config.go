// Package config loads layered JSON configuration: a global file under the
// user config dir, then project files discovered by walking up from the
// working directory. Later layers win on conflict.
package config

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
)

const appName = "hatch"

type ModelConfig struct {
	// ID is the backend model identifier.
	ID      string `json:"id,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	// ContextWindow and MaxTokens override the catalog values when set.
	ContextWindow int64 `json:"context_window,omitempty"`
	MaxTokens     int64 `json:"max_tokens,omitempty"`

	CostPer1MIn        float64 `json:"cost_per_1m_in,omitempty"`
	CostPer1MOut       float64 `json:"cost_per_1m_out,omitempty"`
	CostPer1MInCached  float64 `json:"cost_per_1m_in_cached,omitempty"`
	CostPer1MOutCached float64 `json:"cost_per_1m_out_cached,omitempty"`
}

type Permissions struct {
	// SkipRequests auto-approves every tool invocation.
	SkipRequests bool `json:"skip_requests,omitempty"`
	// AllowedPatterns pre-approve permission subjects, e.g. "view" or
	// "bash:go *".
	AllowedPatterns []string `json:"allowed_patterns,omitempty"`
}

type Options struct {
	// MaxTurns caps model round-trips per user input.
	MaxTurns int `json:"max_turns,omitempty"`
	// CostLimit is a per-session dollar ceiling; zero disables it.
	CostLimit float64 `json:"cost_limit,omitempty"`
	// CompactThreshold is the context occupancy ratio that triggers
	// compaction.
	CompactThreshold float64 `json:"compact_threshold,omitempty"`
	// AllowedTools/DeniedTools filter the advertised tool set by glob.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`
	// DataDir is where sessions are persisted.
	DataDir string `json:"data_dir,omitempty"`
	Debug   bool   `json:"debug,omitempty"`
}

type Config struct {
	Model        ModelConfig  `json:"model,omitempty"`
	Options      Options      `json:"options,omitempty"`
	Permissions  *Permissions `json:"permissions,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`

	workingDir string
}

func (c *Config) WorkingDir() string { return c.workingDir }

// CatwalkModel renders the configured model in catalog shape for pricing
// and budget math.
func (c *Config) CatwalkModel() catwalk.Model {
	m := c.Model
	return catwalk.Model{
		ID:                 m.ID,
		Name:               m.ID,
		ContextWindow:      m.ContextWindow,
		DefaultMaxTokens:   m.MaxTokens,
		CostPer1MIn:        m.CostPer1MIn,
		CostPer1MOut:       m.CostPer1MOut,
		CostPer1MInCached:  m.CostPer1MInCached,
		CostPer1MOutCached: m.CostPer1MOutCached,
	}
}

func (c *Config) SkipPermissions() bool {
	return c.Permissions != nil && c.Permissions.SkipRequests
}

func (c *Config) AllowedPatterns() []string {
	if c.Permissions == nil {
		return nil
	}
	return c.Permissions.AllowedPatterns
}

func (c *Config) setDefaults(workingDir string) {
	c.workingDir = workingDir
	if c.Model.ID == "" {
		c.Model.ID = "claude-sonnet-4-5"
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "https://api.anthropic.com"
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = firstEnv("HATCH_API_KEY", "ANTHROPIC_API_KEY")
	}
	if c.Model.ContextWindow <= 0 {
		c.Model.ContextWindow = 200_000
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = 8192
	}
	if c.Options.MaxTurns <= 0 {
		c.Options.MaxTurns = 25
	}
	if c.Options.CompactThreshold <= 0 {
		c.Options.CompactThreshold = 0.7
	}
	if c.Options.DataDir == "" {
		c.Options.DataDir = filepath.Join(globalDataDir(), "sessions")
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// GlobalConfig is the path of the user-level config file.
func GlobalConfig() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName, appName+".json")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", appName, appName+".json")
}

func globalDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return appName
	}
	return filepath.Join(homeDir, ".local", "share", appName)
}
