package tools

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hatcher/hatch/logs"
)

// PermissionFunc asks the permission layer whether a call may proceed. The
// call blocks while the user is being prompted.
type PermissionFunc func(ctx context.Context, call ToolCall, info ToolInfo) (bool, error)

// PermissionObserver is notified when a dispatch starts and stops waiting
// on the permission layer, so callers can surface the pending prompt.
type PermissionObserver func(call ToolCall, waiting bool)

type permissionObserverKey struct{}

// WithPermissionObserver attaches an observer to a dispatch context.
func WithPermissionObserver(ctx context.Context, obs PermissionObserver) context.Context {
	return context.WithValue(ctx, permissionObserverKey{}, obs)
}

func permissionObserverFrom(ctx context.Context) PermissionObserver {
	obs, _ := ctx.Value(permissionObserverKey{}).(PermissionObserver)
	return obs
}

// Dispatcher resolves tool calls against a registry, guards them with the
// permission layer, and normalizes every outcome into a ToolResult. It
// never propagates a handler failure as an error.
type Dispatcher struct {
	registry    *Registry
	jobs        *Manager
	permissions PermissionFunc
	// maxParallel bounds concurrent synchronous executions within one
	// batch; zero means unbounded.
	maxParallel int
}

type DispatcherOption func(*Dispatcher)

func WithPermissionFunc(fn PermissionFunc) DispatcherOption {
	return func(d *Dispatcher) { d.permissions = fn }
}

func WithMaxParallel(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxParallel = n }
}

func NewDispatcher(registry *Registry, jobs *Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, jobs: jobs}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Jobs() *Manager { return d.jobs }

// Dispatch runs a single call to completion and returns its result
// envelope. Lookup failures, invalid input, denied permission and handler
// panics all come back as structured failure results.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()
	result := d.dispatch(ctx, call)
	result.ToolCallID = call.ID
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, call ToolCall) ToolResult {
	if ctx.Err() != nil {
		return NewErrorResult(ErrCanceled, "invocation canceled before execution")
	}
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return NewErrorResult(ErrUnknownTool, "unknown tool: %s", call.Name)
	}

	if allowed, result := d.checkPermission(ctx, call, tool.Info()); !allowed {
		return result
	}
	return d.run(ctx, tool, call)
}

// DispatchBackground starts the call as a background job and returns a
// result carrying the job ID immediately. The capacity caps apply here,
// not to synchronous dispatch.
func (d *Dispatcher) DispatchBackground(ctx context.Context, call ToolCall) ToolResult {
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return errResultFor(call, ErrUnknownTool, "unknown tool: "+call.Name)
	}
	info := tool.Info()
	if !info.BackgroundCapable {
		return errResultFor(call, ErrValidation, "tool does not support background execution: "+call.Name)
	}

	if allowed, result := d.checkPermission(ctx, call, info); !allowed {
		result.ToolCallID = call.ID
		return result
	}

	job, toolErr := d.jobs.Start(ctx, call.Name, func(jobCtx context.Context, _ func(string)) (ToolResult, error) {
		return d.run(jobCtx, tool, call), nil
	})
	if toolErr != nil {
		return ToolResult{ToolCallID: call.ID, Success: false, Error: toolErr}
	}
	return ToolResult{
		ToolCallID: call.ID,
		Success:    true,
		Output:     "started background job " + job.ID,
		JobID:      job.ID,
	}
}

func (d *Dispatcher) checkPermission(ctx context.Context, call ToolCall, info ToolInfo) (bool, ToolResult) {
	if !info.RequiresPermission || d.permissions == nil {
		return true, ToolResult{}
	}
	if obs := permissionObserverFrom(ctx); obs != nil {
		obs(call, true)
		defer obs(call, false)
	}
	allowed, err := d.permissions(ctx, call, info)
	if err != nil {
		return false, NewErrorResult(ErrPermissionDenied, "permission check aborted: %v", err)
	}
	if !allowed {
		return false, NewErrorResult(ErrPermissionDenied, "user denied permission for %s", call.Name)
	}
	return true, ToolResult{}
}

// run executes the tool with panic containment.
func (d *Dispatcher) run(ctx context.Context, tool BaseTool, call ToolCall) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("tool %s panicked: %v", call.Name, r)
			result = NewErrorResult(ErrHandlerException, "%v", r)
		}
	}()
	result, err := tool.Run(ctx, call)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return NewErrorResult(ErrCanceled, "%v", err)
		}
		return NewErrorResult(ErrHandlerException, "%v", err)
	}
	return result
}

// DispatchBatch executes all calls from one assistant turn, possibly
// concurrently, and returns results in request order regardless of
// completion order.
func (d *Dispatcher) DispatchBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	if d.maxParallel > 0 {
		g.SetLimit(d.maxParallel)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.Dispatch(gctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func errResultFor(call ToolCall, kind ErrorKind, msg string) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Success:    false,
		Error:      &ToolError{Kind: kind, Message: msg},
	}
}
