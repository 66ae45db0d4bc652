// Package shell executes commands through a POSIX shell interpreter
// without spawning /bin/sh, so behavior is consistent across platforms.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// BlockFunc inspects a command line before execution; returning an error
// blocks it.
type BlockFunc func(args []string) error

type Options struct {
	WorkingDir string
	Env        []string
	BlockFuncs []BlockFunc
}

type Shell struct {
	workingDir string
	env        []string
	blockFuncs []BlockFunc
}

func NewShell(opts *Options) *Shell {
	if opts == nil {
		opts = &Options{}
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	return &Shell{
		workingDir: workingDir,
		env:        env,
		blockFuncs: opts.BlockFuncs,
	}
}

// Exec runs command and returns captured stdout, stderr and the exit code.
// A non-zero exit is not a Go error; err is reserved for parse failures,
// blocked commands and cancellation.
func (s *Shell) Exec(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	var outBuf, errBuf bytes.Buffer
	exitCode, err = s.ExecStream(ctx, command, &outBuf, &errBuf)
	return outBuf.String(), errBuf.String(), exitCode, err
}

// ExecStream runs command writing output incrementally to the given
// writers.
func (s *Shell) ExecStream(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return 1, fmt.Errorf("parse command: %w", err)
	}

	runner, err := interp.New(
		interp.Dir(s.workingDir),
		interp.Env(expand.ListEnviron(s.env...)),
		interp.StdIO(strings.NewReader(""), stdout, stderr),
		interp.ExecHandlers(s.blockHandler),
	)
	if err != nil {
		return 1, fmt.Errorf("init interpreter: %w", err)
	}

	err = runner.Run(ctx, file)
	if err != nil {
		if status, ok := interp.IsExitStatus(err); ok {
			return int(status), nil
		}
		if ctx.Err() != nil {
			return 1, ctx.Err()
		}
		return 1, err
	}
	return 0, nil
}

var ErrCommandBlocked = errors.New("command blocked by policy")

func (s *Shell) blockHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		for _, block := range s.blockFuncs {
			if err := block(args); err != nil {
				return fmt.Errorf("%w: %v", ErrCommandBlocked, err)
			}
		}
		return next(ctx, args)
	}
}

// CommandsBlocker blocks exact command names.
func CommandsBlocker(banned []string) BlockFunc {
	set := make(map[string]struct{}, len(banned))
	for _, name := range banned {
		set[name] = struct{}{}
	}
	return func(args []string) error {
		if len(args) == 0 {
			return nil
		}
		if _, ok := set[args[0]]; ok {
			return fmt.Errorf("command not allowed: %s", args[0])
		}
		return nil
	}
}

// ExecWithTimeout wraps Exec with a deadline; 0 means no limit.
func (s *Shell) ExecWithTimeout(ctx context.Context, command string, timeout time.Duration) (string, string, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.Exec(ctx, command)
}
