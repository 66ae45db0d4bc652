package tools

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoParams struct {
	Text string `json:"text"`
}

func echoTool(opts ...ToolOption) BaseTool {
	return NewTool("echo", "echoes its input", func(_ context.Context, p echoParams, _ ToolCall) (ToolResult, error) {
		return NewTextResult(p.Text), nil
	}, opts...)
}

func newDispatcher(t *testing.T, tools []BaseTool, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	return NewDispatcher(registry, NewManager(), opts...)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newDispatcher(t, []BaseTool{echoTool()})
	result := d.Dispatch(context.Background(), ToolCall{ID: "c1", Name: "DoesNotExist", Input: "{}"})
	require.False(t, result.Success)
	require.Equal(t, ErrUnknownTool, result.Error.Kind)
	require.Equal(t, "c1", result.ToolCallID)
}

func TestDispatchValidInput(t *testing.T) {
	d := newDispatcher(t, []BaseTool{echoTool()})
	result := d.Dispatch(context.Background(), ToolCall{ID: "c1", Name: "echo", Input: `{"text":"hi"}`})
	require.True(t, result.Success)
	require.Equal(t, "hi", result.Output)
	require.GreaterOrEqual(t, result.DurationMs, int64(0))
}

func TestDispatchValidationErrorDeterministic(t *testing.T) {
	var invoked atomic.Int32
	tool := NewTool("strict", "rejects bad input", func(_ context.Context, p echoParams, _ ToolCall) (ToolResult, error) {
		invoked.Add(1)
		return NewTextResult(p.Text), nil
	})
	d := newDispatcher(t, []BaseTool{tool})

	// Malformed input must yield the same structured error every time and
	// never reach the handler.
	call := ToolCall{ID: "c1", Name: "strict", Input: `{"text":"x","bogus":1}`}
	first := d.Dispatch(context.Background(), call)
	second := d.Dispatch(context.Background(), call)
	require.False(t, first.Success)
	require.Equal(t, ErrValidation, first.Error.Kind)
	require.Equal(t, first.Error, second.Error)
	require.EqualValues(t, 0, invoked.Load())
}

func TestDispatchHandlerPanicContained(t *testing.T) {
	tool := NewTool("boomer", "panics", func(_ context.Context, _ echoParams, _ ToolCall) (ToolResult, error) {
		panic("boom")
	})
	d := newDispatcher(t, []BaseTool{tool})

	result := d.Dispatch(context.Background(), ToolCall{ID: "c1", Name: "boomer", Input: "{}"})
	require.False(t, result.Success)
	require.Equal(t, ErrHandlerException, result.Error.Kind)
	require.Contains(t, result.Error.Message, "boom")

	// The dispatcher is still usable afterwards.
	d.registry.Register(echoTool())
	ok := d.Dispatch(context.Background(), ToolCall{ID: "c2", Name: "echo", Input: `{"text":"still here"}`})
	require.True(t, ok.Success)
}

func TestNewToolAnonymousParams(t *testing.T) {
	var tool BaseTool
	require.NotPanics(t, func() {
		tool = NewTool("noop", "takes no parameters", func(_ context.Context, _ struct{}, _ ToolCall) (ToolResult, error) {
			return NewTextResult("ran"), nil
		})
	})
	require.JSONEq(t, `{"type":"object"}`, string(tool.Info().Parameters))

	d := newDispatcher(t, []BaseTool{tool})
	result := d.Dispatch(context.Background(), ToolCall{ID: "c1", Name: "noop", Input: "{}"})
	require.True(t, result.Success)
	require.Equal(t, "ran", result.Output)
}

func TestPermissionObserverBracketsPrompt(t *testing.T) {
	var waitingDuringPrompt atomic.Bool
	tool := echoTool(WithPermission(nil))
	d := newDispatcher(t, []BaseTool{tool}, WithPermissionFunc(
		func(_ context.Context, _ ToolCall, _ ToolInfo) (bool, error) {
			require.True(t, waitingDuringPrompt.Load())
			return true, nil
		}))

	var transitions []bool
	ctx := WithPermissionObserver(context.Background(), func(_ ToolCall, waiting bool) {
		waitingDuringPrompt.Store(waiting)
		transitions = append(transitions, waiting)
	})
	result := d.Dispatch(ctx, ToolCall{ID: "c1", Name: "echo", Input: `{"text":"x"}`})
	require.True(t, result.Success)
	require.Equal(t, []bool{true, false}, transitions)

	// Tools that clear no permission layer never notify.
	transitions = nil
	plain := newDispatcher(t, []BaseTool{echoTool()})
	result = plain.Dispatch(ctx, ToolCall{ID: "c2", Name: "echo", Input: `{"text":"y"}`})
	require.True(t, result.Success)
	require.Empty(t, transitions)
}

func TestDispatchPermissionDenied(t *testing.T) {
	tool := echoTool(WithPermission(nil))
	d := newDispatcher(t, []BaseTool{tool}, WithPermissionFunc(
		func(_ context.Context, _ ToolCall, _ ToolInfo) (bool, error) {
			return false, nil
		}))

	result := d.Dispatch(context.Background(), ToolCall{ID: "c1", Name: "echo", Input: `{"text":"x"}`})
	require.False(t, result.Success)
	require.Equal(t, ErrPermissionDenied, result.Error.Kind)
}

func TestDispatchBatchPreservesRequestOrder(t *testing.T) {
	slow := NewTool("slow", "sleeps", func(_ context.Context, _ echoParams, _ ToolCall) (ToolResult, error) {
		time.Sleep(100 * time.Millisecond)
		return NewTextResult("slow done"), nil
	})
	d := newDispatcher(t, []BaseTool{slow, echoTool()})

	calls := []ToolCall{
		{ID: "c1", Name: "slow", Input: "{}"},
		{ID: "c2", Name: "echo", Input: `{"text":"fast"}`},
		{ID: "c3", Name: "echo", Input: `{"text":"faster"}`},
	}
	start := time.Now()
	results := d.DispatchBatch(context.Background(), calls)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	require.Equal(t, "c1", results[0].ToolCallID)
	require.Equal(t, "slow done", results[0].Output)
	require.Equal(t, "c2", results[1].ToolCallID)
	require.Equal(t, "c3", results[2].ToolCallID)
	// The batch ran concurrently, not serially.
	require.Less(t, elapsed, 300*time.Millisecond)
}

func TestRegistryListAvailableDenyWins(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"bash", "view", "write", "fetch"} {
		registry.Register(NewTool(name, name, func(_ context.Context, _ echoParams, _ ToolCall) (ToolResult, error) {
			return NewTextResult(""), nil
		}))
	}

	names := func(list []BaseTool) []string {
		out := make([]string, len(list))
		for i, tool := range list {
			out[i] = tool.Info().Name
		}
		return out
	}

	require.Equal(t, []string{"bash", "view", "write", "fetch"}, names(registry.ListAvailable(nil, nil)))
	require.Equal(t, []string{"view", "write"}, names(registry.ListAvailable([]string{"view", "write"}, nil)))
	require.Equal(t, []string{"bash", "view", "fetch"}, names(registry.ListAvailable(nil, []string{"write"})))
	// A name on both lists stays denied.
	require.Equal(t, []string{"view"}, names(registry.ListAvailable([]string{"view", "write"}, []string{"write"})))
	// Glob patterns.
	require.Equal(t, []string{"bash"}, names(registry.ListAvailable([]string{"b*"}, nil)))
}

func TestToolSchemaFromParams(t *testing.T) {
	type params struct {
		Path  string `json:"path" jsonschema:"description=file to read"`
		Limit int    `json:"limit,omitempty"`
	}
	tool := NewTool("view", "reads a file", func(_ context.Context, _ params, _ ToolCall) (ToolResult, error) {
		return NewTextResult(""), nil
	})
	schema := string(tool.Info().Parameters)
	require.Contains(t, schema, `"path"`)
	require.Contains(t, schema, `"limit"`)
	require.Contains(t, schema, "file to read")
}

func TestDispatchBackgroundAndPoll(t *testing.T) {
	release := make(chan struct{})
	tool := NewTool("waiter", "waits for release", func(ctx context.Context, _ echoParams, _ ToolCall) (ToolResult, error) {
		select {
		case <-release:
			return NewTextResult("released"), nil
		case <-ctx.Done():
			return NewErrorResult(ErrCanceled, "interrupted"), nil
		}
	}, WithBackground())
	d := newDispatcher(t, []BaseTool{tool})

	result := d.DispatchBackground(context.Background(), ToolCall{ID: "c1", Name: "waiter", Input: "{}"})
	require.True(t, result.Success)
	require.NotEmpty(t, result.JobID)

	snap, ok := d.Jobs().Poll(context.Background(), result.JobID, false, 0)
	require.True(t, ok)
	require.Equal(t, JobRunning, snap.Status)

	close(release)
	snap, ok = d.Jobs().Poll(context.Background(), result.JobID, true, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, JobSucceeded, snap.Status)
	require.Equal(t, "released", snap.Result.Output)
}

func TestDispatchBackgroundRequiresCapableTool(t *testing.T) {
	d := newDispatcher(t, []BaseTool{echoTool()})
	result := d.DispatchBackground(context.Background(), ToolCall{ID: "c1", Name: "echo", Input: "{}"})
	require.False(t, result.Success)
	require.Equal(t, ErrValidation, result.Error.Kind)
}

func TestJobCapacityRejectsNotQueues(t *testing.T) {
	manager := NewManager(WithPerToolCap("waiter", 2))
	release := make(chan struct{})
	blocker := func(ctx context.Context, _ func(string)) (ToolResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return NewTextResult("done"), nil
	}

	var jobs []*Job
	for i := 0; i < 2; i++ {
		job, toolErr := manager.Start(context.Background(), "waiter", blocker)
		require.Nil(t, toolErr)
		jobs = append(jobs, job)
	}

	_, toolErr := manager.Start(context.Background(), "waiter", blocker)
	require.NotNil(t, toolErr)
	require.Equal(t, ErrCapacityExceeded, toolErr.Kind)

	// Other tools are unaffected by a per-tool cap.
	other, toolErr := manager.Start(context.Background(), "other", blocker)
	require.Nil(t, toolErr)

	close(release)
	for _, job := range append(jobs, other) {
		snap, ok := manager.Poll(context.Background(), job.ID, true, 2*time.Second)
		require.True(t, ok)
		require.Equal(t, JobSucceeded, snap.Status)
	}

	// Capacity frees up once jobs finish.
	job, toolErr := manager.Start(context.Background(), "waiter", func(_ context.Context, _ func(string)) (ToolResult, error) {
		return NewTextResult("quick"), nil
	})
	require.Nil(t, toolErr)
	snap, _ := manager.Poll(context.Background(), job.ID, true, 2*time.Second)
	require.Equal(t, JobSucceeded, snap.Status)
}

func TestJobGlobalCap(t *testing.T) {
	manager := NewManager(WithGlobalCap(3), WithPerToolCap("a", 10), WithPerToolCap("b", 10))
	release := make(chan struct{})
	blocker := func(ctx context.Context, _ func(string)) (ToolResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return NewTextResult(""), nil
	}
	defer close(release)

	for i := 0; i < 3; i++ {
		_, toolErr := manager.Start(context.Background(), fmt.Sprintf("tool%d", i%2), blocker)
		require.Nil(t, toolErr)
	}
	_, toolErr := manager.Start(context.Background(), "another", blocker)
	require.NotNil(t, toolErr)
	require.Equal(t, ErrCapacityExceeded, toolErr.Kind)
}

func TestJobCancelCooperative(t *testing.T) {
	manager := NewManager()
	started := make(chan struct{})
	job, toolErr := manager.Start(context.Background(), "waiter", func(ctx context.Context, _ func(string)) (ToolResult, error) {
		close(started)
		<-ctx.Done()
		return NewTextResult("ignored"), nil
	})
	require.Nil(t, toolErr)
	<-started

	require.True(t, manager.Cancel(job.ID))
	snap, ok := manager.Poll(context.Background(), job.ID, true, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, JobCancelled, snap.Status)

	// Cancelling a terminal job is a no-op.
	require.False(t, manager.Cancel(job.ID))
	require.False(t, manager.Cancel("job_ZZZ"))
}

func TestKillAllLeavesFinishedJobsAlone(t *testing.T) {
	manager := NewManager()
	quick, toolErr := manager.Start(context.Background(), "quick", func(_ context.Context, _ func(string)) (ToolResult, error) {
		return NewTextResult("done"), nil
	})
	require.Nil(t, toolErr)
	snap, ok := manager.Poll(context.Background(), quick.ID, true, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, JobSucceeded, snap.Status)

	started := make(chan struct{})
	running, toolErr := manager.Start(context.Background(), "waiter", func(ctx context.Context, _ func(string)) (ToolResult, error) {
		close(started)
		<-ctx.Done()
		return NewTextResult(""), nil
	})
	require.Nil(t, toolErr)
	<-started

	manager.KillAll()

	snap, _ = manager.Poll(context.Background(), quick.ID, false, 0)
	require.Equal(t, JobSucceeded, snap.Status)
	snap, _ = manager.Poll(context.Background(), running.ID, false, 0)
	require.Equal(t, JobCancelled, snap.Status)
}

func TestJobPollTimeoutReturnsPartialSnapshot(t *testing.T) {
	manager := NewManager()
	release := make(chan struct{})
	defer close(release)
	job, toolErr := manager.Start(context.Background(), "waiter", func(ctx context.Context, report func(string)) (ToolResult, error) {
		report("partial output\n")
		select {
		case <-release:
		case <-ctx.Done():
		}
		return NewTextResult("done"), nil
	})
	require.Nil(t, toolErr)

	require.Eventually(t, func() bool {
		snap, _ := manager.Poll(context.Background(), job.ID, false, 0)
		return snap.Output != ""
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	snap, ok := manager.Poll(context.Background(), job.ID, true, 100*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, JobRunning, snap.Status)
	require.Contains(t, snap.Output, "partial output")
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
