// Package app wires the services into a runnable assistant: storage,
// session and message services, permissions, the tool registry and the
// conversation agent.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hatcher/hatch/agent"
	"github.com/hatcher/hatch/config"
	"github.com/hatcher/hatch/logs"
	"github.com/hatcher/hatch/message"
	"github.com/hatcher/hatch/permission"
	"github.com/hatcher/hatch/provider"
	"github.com/hatcher/hatch/session"
	"github.com/hatcher/hatch/shell"
	"github.com/hatcher/hatch/storage"
	"github.com/hatcher/hatch/tools"
	"github.com/hatcher/hatch/tools/builtin"
)

type App struct {
	Config      *config.Config
	Sessions    session.Service
	Messages    message.Service
	Permissions permission.Service
	Agent       agent.Service
	Jobs        *tools.Manager
	Registry    *tools.Registry

	globalCtx    context.Context
	cleanupFuncs []func() error
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := storage.NewFileStore(cfg.Options.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	sessions := session.NewService(store)
	messages := message.NewService(store)
	permissions := permission.NewService(
		cfg.WorkingDir(),
		cfg.SkipPermissions(),
		cfg.AllowedPatterns(),
		&permissionMemory{sessions: sessions},
	)

	client := provider.WithRetry(provider.NewAnthropicClient(
		cfg.Model.APIKey,
		provider.WithBaseURL(cfg.Model.BaseURL),
	))

	jobs := tools.NewManager()
	registry := tools.NewRegistry()
	registry.Register(builtin.NewViewTool(cfg.WorkingDir()))
	registry.Register(builtin.NewWriteTool(cfg.WorkingDir()))
	registry.Register(builtin.NewBashTool(cfg.WorkingDir(), jobs, []shell.BlockFunc{
		shell.CommandsBlocker(bannedCommands),
	}))
	registry.Register(builtin.NewGlobTool(cfg.WorkingDir()))
	registry.Register(builtin.NewFetchTool())
	registry.Register(builtin.NewTodosTool(sessions))
	registry.Register(builtin.NewJobTool(jobs))

	dispatcher := tools.NewDispatcher(registry, jobs,
		tools.WithPermissionFunc(permissionGate(permissions)),
	)

	agentSvc := agent.New(sessions, messages, client, registry, dispatcher, agent.Options{
		SystemPrompt: cfg.SystemPrompt,
		Model:        cfg.CatwalkModel(),
		ProviderName: "anthropic",
		MaxTurns:     cfg.Options.MaxTurns,
		CostLimit:    cfg.Options.CostLimit,
		Budget: agent.ContextBudget{
			MaxTokens:        cfg.Model.ContextWindow,
			CompactThreshold: cfg.Options.CompactThreshold,
		},
		AllowedTools: cfg.Options.AllowedTools,
		DeniedTools:  cfg.Options.DeniedTools,
	})

	app := &App{
		Config:      cfg,
		Sessions:    sessions,
		Messages:    messages,
		Permissions: permissions,
		Agent:       agentSvc,
		Jobs:        jobs,
		Registry:    registry,
		globalCtx:   ctx,
	}

	// The task tool runs a sub-agent on its own session; registered last so
	// it can close over the agent service.
	registry.Register(builtin.NewTaskTool(app.runSubAgent, jobs))

	app.cleanupFuncs = append(app.cleanupFuncs, func() error {
		jobs.KillAll()
		return nil
	})
	return app, nil
}

// runSubAgent processes a delegated prompt on a fresh session and returns
// the final assistant text.
func (app *App) runSubAgent(ctx context.Context, prompt string) (string, error) {
	title := prompt
	if len(title) > 60 {
		title = title[:60]
	}
	sess, err := app.Sessions.Create(ctx, "task: "+title, app.Config.WorkingDir())
	if err != nil {
		return "", fmt.Errorf("create task session: %w", err)
	}
	events, err := app.Agent.Run(ctx, sess.ID, prompt)
	if err != nil {
		return "", err
	}
	var final string
	for ev := range events {
		if ev.Type == agent.EventRunFinished {
			final = ev.Message.Content().Text
		}
		if ev.Type == agent.EventError && ev.Err != nil {
			return "", ev.Err
		}
	}
	if strings.TrimSpace(final) == "" {
		return "(task produced no output)", nil
	}
	return final, nil
}

func (app *App) Shutdown() {
	for _, cleanup := range app.cleanupFuncs {
		if err := cleanup(); err != nil {
			logs.Errorf("cleanup failed: %v", err)
		}
	}
}

// permissionGate adapts the permission service to the dispatcher hook.
func permissionGate(permissions permission.Service) tools.PermissionFunc {
	return func(ctx context.Context, call tools.ToolCall, info tools.ToolInfo) (bool, error) {
		if !info.RequiresPermission {
			return true, nil
		}
		action := ""
		if info.Action != nil {
			action = info.Action(call.Input)
		}
		return permissions.Request(ctx, permission.PermissionRequest{
			SessionID:   tools.GetSessionFromContext(ctx),
			ToolCallID:  call.ID,
			ToolName:    info.Name,
			Action:      action,
			Description: fmt.Sprintf("%s wants to run: %s", info.Name, action),
			Params:      call.Input,
		})
	}
}

// permissionMemory persists "always" grants on the session record.
type permissionMemory struct {
	sessions session.Service
}

func (m *permissionMemory) Patterns(ctx context.Context, sessionID string) ([]string, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.PermissionMemory, nil
}

func (m *permissionMemory) Remember(ctx context.Context, sessionID, pattern string) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if slices.Contains(sess.PermissionMemory, pattern) {
		return nil
	}
	sess.PermissionMemory = append(sess.PermissionMemory, pattern)
	_, err = m.sessions.Save(ctx, sess)
	return err
}

// bannedCommands are never executed regardless of permission grants.
var bannedCommands = []string{
	"alias", "curlie", "axel", "aria2c", "nc", "telnet", "lynx", "w3m",
	"links", "httpie", "xh", "http-prompt", "chrome", "firefox", "safari",
}
