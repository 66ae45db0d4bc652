package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hatcher/hatch/agent"
	"github.com/hatcher/hatch/app"
	"github.com/hatcher/hatch/config"
	"github.com/hatcher/hatch/logs"
	"github.com/hatcher/hatch/permission"
	"github.com/hatcher/hatch/pubsub"
)

var flags struct {
	prompt    string
	resume    string
	fork      string
	maxTurns  int
	costLimit float64
	allow     []string
	deny      []string
	yolo      bool
	debug     bool
	cwd       string
}

var rootCmd = &cobra.Command{
	Use:   "hatch [prompt]",
	Short: "Terminal coding assistant",
	Long:  "hatch runs a conversation loop against a model backend with tool access to the working directory.",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := flags.prompt
		if prompt == "" {
			prompt = strings.Join(args, " ")
		}
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("no prompt given; pass it as arguments or with -p")
		}
		return runPrompt(cmd.Context(), prompt)
	},
	SilenceUsage: true,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Shutdown()
		list, err := a.Sessions.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, sess := range list {
			created := time.Unix(sess.CreatedAt, 0).Format("2006-01-02 15:04")
			fmt.Printf("%s  %s  $%.4f  %s\n", sess.ID, created, sess.Cost, sess.Title)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.prompt, "prompt", "p", "", "prompt to run")
	rootCmd.Flags().StringVar(&flags.resume, "resume", "", "continue an existing session by ID")
	rootCmd.Flags().StringVar(&flags.fork, "fork", "", "branch a new session off an existing one by ID")
	rootCmd.Flags().IntVar(&flags.maxTurns, "max-turns", 0, "cap model round-trips per input")
	rootCmd.Flags().Float64Var(&flags.costLimit, "cost-limit", 0, "session cost ceiling in dollars")
	rootCmd.Flags().StringSliceVar(&flags.allow, "allow-tools", nil, "tool name globs to advertise (empty = all)")
	rootCmd.Flags().StringSliceVar(&flags.deny, "deny-tools", nil, "tool name globs to hide")
	rootCmd.Flags().BoolVar(&flags.yolo, "yolo", false, "skip all permission prompts")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flags.cwd, "cwd", "", "working directory (default: current)")
	rootCmd.AddCommand(sessionsCmd)
}

func setup(ctx context.Context) (*app.App, error) {
	cwd := flags.cwd
	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(cwd, flags.debug)
	if err != nil {
		return nil, err
	}
	if flags.maxTurns > 0 {
		cfg.Options.MaxTurns = flags.maxTurns
	}
	if flags.costLimit > 0 {
		cfg.Options.CostLimit = flags.costLimit
	}
	if flags.allow != nil {
		cfg.Options.AllowedTools = flags.allow
	}
	if flags.deny != nil {
		cfg.Options.DeniedTools = flags.deny
	}
	if flags.yolo {
		if cfg.Permissions == nil {
			cfg.Permissions = &config.Permissions{}
		}
		cfg.Permissions.SkipRequests = true
	}

	level := "info"
	if cfg.Options.Debug {
		level = "debug"
	}
	if err := logs.InitLogger(logs.LogConfig{Level: level, Path: cfg.Options.DataDir}, "hatch.log"); err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func runPrompt(ctx context.Context, prompt string) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	sessionID, err := pickSession(ctx, a)
	if err != nil {
		return err
	}

	go answerPermissions(ctx, a)

	events, err := a.Agent.Run(ctx, sessionID, prompt)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case agent.EventContentDelta:
			fmt.Print(ev.Content)
		case agent.EventToolCallStarted:
			fmt.Printf("\n[%s %s]\n", ev.ToolCall.Name, ev.ToolCall.Input)
		case agent.EventCompaction:
			fmt.Printf("\n[context compacted: %d -> %d tokens]\n", ev.TokensBefore, ev.TokensAfter)
		case agent.EventError:
			if ev.Err != nil {
				return ev.Err
			}
		case agent.EventRunFinished:
			fmt.Println()
		}
	}

	sess, err := a.Sessions.Get(ctx, sessionID)
	if err == nil {
		fmt.Printf("session %s  cost $%.4f\n", sess.ID, sess.Cost)
	}
	return nil
}

func pickSession(ctx context.Context, a *app.App) (string, error) {
	switch {
	case flags.resume != "":
		sess, err := a.Sessions.Get(ctx, flags.resume)
		if err != nil {
			return "", fmt.Errorf("resume %s: %w", flags.resume, err)
		}
		return sess.ID, nil
	case flags.fork != "":
		sess, err := a.Sessions.Fork(ctx, flags.fork, -1)
		if err != nil {
			return "", fmt.Errorf("fork %s: %w", flags.fork, err)
		}
		fmt.Printf("forked session %s\n", sess.ID)
		return sess.ID, nil
	default:
		sess, err := a.Sessions.Create(ctx, "", a.Config.WorkingDir())
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}
}

// answerPermissions turns permission requests into terminal prompts.
func answerPermissions(ctx context.Context, a *app.App) {
	requests := a.Permissions.Subscribe(ctx)
	stdin := bufio.NewReader(os.Stdin)
	for ev := range requests {
		if ev.Type != pubsub.CreatedEvent {
			continue
		}
		req := ev.Payload
		fmt.Printf("\nallow %s? [y]es / [a]lways / [s]ession / [n]o: ", req.Key())
		line, err := stdin.ReadString('\n')
		if err != nil {
			a.Permissions.Deny(req.ID)
			continue
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			a.Permissions.Grant(ctx, req.ID, permission.ScopeOnce)
		case "a", "always":
			a.Permissions.Grant(ctx, req.ID, permission.ScopeAlways)
		case "s", "session":
			a.Permissions.Grant(ctx, req.ID, permission.ScopeSession)
		default:
			a.Permissions.Deny(req.ID)
		}
	}
}
