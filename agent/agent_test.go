package agent

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/stretchr/testify/require"

	"github.com/hatcher/hatch/message"
	"github.com/hatcher/hatch/provider"
	"github.com/hatcher/hatch/session"
	"github.com/hatcher/hatch/storage"
	"github.com/hatcher/hatch/tools"
)

// scriptedClient replays one canned event stream per Stream call.
type scriptedClient struct {
	mu      sync.Mutex
	scripts [][]provider.Event
	calls   int
}

func (c *scriptedClient) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.scripts) == 0 {
		return nil, &provider.Error{Status: 500, Message: "script exhausted"}
	}
	script := c.scripts[0]
	c.scripts = c.scripts[1:]
	c.calls++

	out := make(chan provider.Event, len(script))
	for _, ev := range script {
		out <- ev
	}
	close(out)
	return out, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textScript(text string) []provider.Event {
	return []provider.Event{
		{Type: provider.EventMessageStart, Usage: provider.Usage{InputTokens: 10}},
		{Type: provider.EventContentBlockStart, Index: 0, BlockType: provider.BlockText},
		{Type: provider.EventContentBlockDelta, Index: 0, Text: text},
		{Type: provider.EventContentBlockStop, Index: 0},
		{Type: provider.EventMessageDelta, StopReason: provider.StopEndTurn, Usage: provider.Usage{OutputTokens: 5}},
		{Type: provider.EventMessageStop},
	}
}

// toolScript streams a tool call whose input JSON arrives in fragments.
func toolScript(callID, name string, fragments ...string) []provider.Event {
	events := []provider.Event{
		{Type: provider.EventMessageStart, Usage: provider.Usage{InputTokens: 10}},
		{Type: provider.EventContentBlockStart, Index: 0, BlockType: provider.BlockToolUse, ToolCallID: callID, ToolName: name},
	}
	for _, frag := range fragments {
		events = append(events, provider.Event{Type: provider.EventContentBlockDelta, Index: 0, PartialJSON: frag})
	}
	events = append(events,
		provider.Event{Type: provider.EventContentBlockStop, Index: 0},
		provider.Event{Type: provider.EventMessageDelta, StopReason: provider.StopToolUse, Usage: provider.Usage{OutputTokens: 8}},
		provider.Event{Type: provider.EventMessageStop},
	)
	return events
}

type echoParams struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

func echoTool() tools.BaseTool {
	return tools.NewTool("echo", "Echoes its input.", func(ctx context.Context, params echoParams, call tools.ToolCall) (tools.ToolResult, error) {
		return tools.NewTextResult(params.Text), nil
	})
}

func panicTool() tools.BaseTool {
	return tools.NewTool("detonate", "Always panics.", func(ctx context.Context, params struct{}, call tools.ToolCall) (tools.ToolResult, error) {
		panic("boom")
	})
}

type harness struct {
	agent    Service
	sessions session.Service
	messages message.Service
	sess     session.Session
}

func newHarness(t *testing.T, client provider.Client, opts Options, toolset ...tools.BaseTool) *harness {
	t.Helper()
	q, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewService(q)
	messages := message.NewService(q)

	registry := tools.NewRegistry()
	for _, tool := range toolset {
		registry.Register(tool)
	}
	jobs := tools.NewManager()
	dispatcher := tools.NewDispatcher(registry, jobs)

	if opts.Model.ID == "" {
		opts.Model = catwalk.Model{
			ID:               "test-model",
			ContextWindow:    100_000,
			DefaultMaxTokens: 4096,
			CostPer1MIn:      3.0,
			CostPer1MOut:     15.0,
		}
	}
	// Title generation is exercised separately; a pre-titled session keeps
	// the scripts deterministic.
	sess, err := sessions.Create(context.Background(), "test session", t.TempDir())
	require.NoError(t, err)

	return &harness{
		agent:    New(sessions, messages, client, registry, dispatcher, opts),
		sessions: sessions,
		messages: messages,
		sess:     sess,
	}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var collected []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, ev)
		case <-timeout:
			t.Fatal("run did not finish in time")
		}
	}
}

func TestRunTextOnly(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{textScript("hello there")}}
	h := newHarness(t, client, Options{})

	events, err := h.agent.Run(context.Background(), h.sess.ID, "hi")
	require.NoError(t, err)
	collected := drain(t, events)

	var finished bool
	for _, ev := range collected {
		if ev.Type == EventRunFinished {
			finished = true
			require.Equal(t, "hello there", ev.Message.Content().Text)
			require.Equal(t, message.FinishReasonEndTurn, ev.Message.FinishReason())
		}
	}
	require.True(t, finished)

	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, message.User, history[0].Role)
	require.Equal(t, message.Assistant, history[1].Role)
	require.Equal(t, 1, client.callCount())
}

func TestRunRecordsUsageAndCost(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{textScript("ok")}}
	h := newHarness(t, client, Options{})

	events, err := h.agent.Run(context.Background(), h.sess.ID, "hi")
	require.NoError(t, err)
	drain(t, events)

	sess, err := h.sessions.Get(context.Background(), h.sess.ID)
	require.NoError(t, err)
	usage := sess.TotalUsage()
	require.EqualValues(t, 10, usage.InputTokens)
	require.EqualValues(t, 5, usage.OutputTokens)
	// 10 in at $3/M plus 5 out at $15/M.
	require.InDelta(t, 10.0/1e6*3.0+5.0/1e6*15.0, sess.Cost, 1e-12)
}

func TestToolLoopReassemblesFragmentedInput(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{
		toolScript("call_1", "echo", `{"tex`, `t":"fro`, `m fragments"}`),
		textScript("done"),
	}}
	h := newHarness(t, client, Options{}, echoTool())

	events, err := h.agent.Run(context.Background(), h.sess.ID, "echo something")
	require.NoError(t, err)
	collected := drain(t, events)

	var sawToolCall, sawToolResult bool
	for _, ev := range collected {
		switch ev.Type {
		case EventToolCallStarted:
			sawToolCall = true
			require.Equal(t, `{"text":"from fragments"}`, ev.ToolCall.Input)
		case EventToolResult:
			sawToolResult = true
			require.True(t, ev.Result.Success)
			require.Equal(t, "from fragments", ev.Result.Output)
		}
	}
	require.True(t, sawToolCall)
	require.True(t, sawToolResult)

	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, message.User, history[0].Role)
	require.Equal(t, message.Assistant, history[1].Role)
	require.Equal(t, message.FinishReasonToolUse, history[1].FinishReason())
	require.Equal(t, message.Tool, history[2].Role)
	results := history[2].ToolResults()
	require.Len(t, results, 1)
	require.Equal(t, "call_1", results[0].ToolCallID)
	require.Equal(t, "from fragments", results[0].Content)
	require.Equal(t, message.Assistant, history[3].Role)
	require.Equal(t, 2, client.callCount())
}

func TestToolPanicDoesNotEndConversation(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{
		toolScript("call_1", "detonate", `{}`),
		textScript("recovered"),
	}}
	h := newHarness(t, client, Options{}, panicTool())

	events, err := h.agent.Run(context.Background(), h.sess.ID, "go")
	require.NoError(t, err)
	collected := drain(t, events)

	var result tools.ToolResult
	for _, ev := range collected {
		if ev.Type == EventToolResult {
			result = ev.Result
		}
	}
	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	require.Equal(t, tools.ErrHandlerException, result.Error.Kind)
	require.Contains(t, result.Error.Message, "boom")

	// The failure flowed back to the model as an error result and the loop
	// continued to a normal finish.
	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, "recovered", last.Content().Text)
	require.Equal(t, message.FinishReasonEndTurn, last.FinishReason())

	toolTurn := history[2]
	results := toolTurn.ToolResults()
	require.Len(t, results, 1)
	require.True(t, results[0].IsError)
	require.Contains(t, results[0].Content, "HandlerException")
}

func TestTurnLimitCutsOffExactly(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{
		toolScript("call_1", "echo", `{"text":"a"}`),
		toolScript("call_2", "echo", `{"text":"b"}`),
		toolScript("call_3", "echo", `{"text":"c"}`),
	}}
	h := newHarness(t, client, Options{MaxTurns: 2}, echoTool())

	events, err := h.agent.Run(context.Background(), h.sess.ID, "loop forever")
	require.NoError(t, err)
	drain(t, events)

	require.Equal(t, 2, client.callCount())

	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, message.FinishReasonTurnLimit, last.FinishReason())
	require.Contains(t, last.Content().Text, "turn budget")
}

func TestCostCeilingStopsBeforeModelCall(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{
		textScript("first answer"),
		textScript("never reached"),
	}}
	h := newHarness(t, client, Options{
		CostLimit: 0.00001,
		Model: catwalk.Model{
			ID:               "pricey-model",
			ContextWindow:    100_000,
			DefaultMaxTokens: 4096,
			CostPer1MIn:      3000.0,
			CostPer1MOut:     15000.0,
		},
	})

	events, err := h.agent.Run(context.Background(), h.sess.ID, "one")
	require.NoError(t, err)
	drain(t, events)
	require.Equal(t, 1, client.callCount())

	events, err = h.agent.Run(context.Background(), h.sess.ID, "two")
	require.NoError(t, err)
	drain(t, events)

	// The second input never reached the backend.
	require.Equal(t, 1, client.callCount())
	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, message.FinishReasonBudgetExceeded, last.FinishReason())
}

// gatedClient blocks its first stream until released, so a second prompt
// can be queued behind it.
type gatedClient struct {
	inner   *scriptedClient
	release chan struct{}
	once    sync.Once
}

func (c *gatedClient) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	c.once.Do(func() { <-c.release })
	return c.inner.Stream(ctx, req)
}

func TestQueuedPromptRunsAfterCurrent(t *testing.T) {
	t.Parallel()
	inner := &scriptedClient{scripts: [][]provider.Event{
		textScript("first"),
		textScript("second"),
	}}
	client := &gatedClient{inner: inner, release: make(chan struct{})}
	h := newHarness(t, client, Options{})

	first, err := h.agent.Run(context.Background(), h.sess.ID, "one")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.agent.IsBusy(h.sess.ID) }, 5*time.Second, 10*time.Millisecond)

	second, err := h.agent.Run(context.Background(), h.sess.ID, "two")
	require.NoError(t, err)
	require.Equal(t, 1, h.agent.QueuedPrompts(h.sess.ID))

	close(client.release)
	drain(t, first)
	drain(t, second)

	require.Equal(t, 0, h.agent.QueuedPrompts(h.sess.ID))
	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	// user/assistant twice over, in submission order.
	require.Len(t, history, 4)
	require.Equal(t, "one", history[0].Content().Text)
	require.Equal(t, "first", history[1].Content().Text)
	require.Equal(t, "two", history[2].Content().Text)
	require.Equal(t, "second", history[3].Content().Text)
}

// hangingClient emits a partial answer and then waits for cancellation.
type hangingClient struct {
	started chan struct{}
}

func (c *hangingClient) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	out := make(chan provider.Event)
	go func() {
		defer close(out)
		out <- provider.Event{Type: provider.EventContentBlockStart, Index: 0, BlockType: provider.BlockText}
		out <- provider.Event{Type: provider.EventContentBlockDelta, Index: 0, Text: "partial answer"}
		close(c.started)
		<-ctx.Done()
	}()
	return out, nil
}

func TestCancelPreservesPartialTurn(t *testing.T) {
	t.Parallel()
	client := &hangingClient{started: make(chan struct{})}
	h := newHarness(t, client, Options{})

	events, err := h.agent.Run(context.Background(), h.sess.ID, "hi")
	require.NoError(t, err)

	<-client.started
	h.agent.Cancel(h.sess.ID)
	drain(t, events)

	require.Eventually(t, func() bool { return !h.agent.IsBusy(h.sess.ID) }, 5*time.Second, 10*time.Millisecond)

	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, message.Assistant, last.Role)
	require.Equal(t, message.FinishReasonCanceled, last.FinishReason())
	require.Equal(t, "partial answer", last.Content().Text)
}

func TestNonRetryableErrorTerminates(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{
		{
			{Type: provider.EventContentBlockStart, Index: 0, BlockType: provider.BlockText},
			{Type: provider.EventError, Err: &provider.Error{Status: 401, Message: "bad key"}},
		},
	}}
	h := newHarness(t, client, Options{})

	events, err := h.agent.Run(context.Background(), h.sess.ID, "hi")
	require.NoError(t, err)
	collected := drain(t, events)

	var sawTerminated bool
	for _, ev := range collected {
		if ev.Type == EventError && ev.State == StateTerminated {
			sawTerminated = true
		}
	}
	require.True(t, sawTerminated)

	_, err = h.agent.Run(context.Background(), h.sess.ID, "again")
	require.ErrorIs(t, err, ErrTerminated)
}

func TestThinkingDeltasAccumulate(t *testing.T) {
	t.Parallel()
	script := []provider.Event{
		{Type: provider.EventMessageStart},
		{Type: provider.EventContentBlockStart, Index: 0, BlockType: provider.BlockThinking},
		{Type: provider.EventContentBlockDelta, Index: 0, Text: "hmm, "},
		{Type: provider.EventContentBlockDelta, Index: 0, Text: "let me think"},
		{Type: provider.EventContentBlockStop, Index: 0},
		{Type: provider.EventContentBlockStart, Index: 1, BlockType: provider.BlockText},
		{Type: provider.EventContentBlockDelta, Index: 1, Text: "the answer"},
		{Type: provider.EventContentBlockStop, Index: 1},
		{Type: provider.EventMessageDelta, StopReason: provider.StopEndTurn},
		{Type: provider.EventMessageStop},
	}
	client := &scriptedClient{scripts: [][]provider.Event{script}}
	h := newHarness(t, client, Options{})

	events, err := h.agent.Run(context.Background(), h.sess.ID, "hi")
	require.NoError(t, err)
	drain(t, events)

	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, "hmm, let me think", last.ReasoningContent().Thinking)
	require.Equal(t, "the answer", last.Content().Text)
}

func TestUnfinishedToolInputDegradesToEmptyObject(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{
		toolScript("call_1", "echo", `{"text":"cut of`),
		textScript("done"),
	}}
	h := newHarness(t, client, Options{}, echoTool())

	events, err := h.agent.Run(context.Background(), h.sess.ID, "go")
	require.NoError(t, err)
	drain(t, events)

	history, err := h.messages.List(context.Background(), h.sess.ID)
	require.NoError(t, err)
	calls := history[1].ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "{}", calls[0].Input)
}

func TestDeniedToolsNotAdvertised(t *testing.T) {
	t.Parallel()
	client := &recordingClient{inner: &scriptedClient{scripts: [][]provider.Event{textScript("ok")}}}
	h := newHarness(t, client, Options{DeniedTools: []string{"detonate"}}, echoTool(), panicTool())

	events, err := h.agent.Run(context.Background(), h.sess.ID, "hi")
	require.NoError(t, err)
	drain(t, events)

	require.Len(t, client.lastTools, 1)
	require.Equal(t, "echo", client.lastTools[0].Name)
}

type recordingClient struct {
	inner     *scriptedClient
	mu        sync.Mutex
	lastTools []provider.ToolDescriptor
}

func (c *recordingClient) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	c.mu.Lock()
	c.lastTools = req.Tools
	c.mu.Unlock()
	return c.inner.Stream(ctx, req)
}

func TestPermissionPromptSurfacesAwaitingState(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{scripts: [][]provider.Event{
		toolScript("call_1", "echo", `{"text":"x"}`),
		textScript("done"),
	}}

	q, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sessions := session.NewService(q)
	messages := message.NewService(q)

	registry := tools.NewRegistry()
	registry.Register(tools.NewTool("echo", "Echoes its input.", func(ctx context.Context, params echoParams, call tools.ToolCall) (tools.ToolResult, error) {
		return tools.NewTextResult(params.Text), nil
	}, tools.WithPermission(nil)))
	prompted := make(chan struct{}, 1)
	dispatcher := tools.NewDispatcher(registry, tools.NewManager(), tools.WithPermissionFunc(
		func(_ context.Context, _ tools.ToolCall, _ tools.ToolInfo) (bool, error) {
			prompted <- struct{}{}
			return true, nil
		}))

	sess, err := sessions.Create(context.Background(), "permission test", t.TempDir())
	require.NoError(t, err)

	svc := New(sessions, messages, client, registry, dispatcher, Options{})
	events, err := svc.Run(context.Background(), sess.ID, "go")
	require.NoError(t, err)
	collected := drain(t, events)

	select {
	case <-prompted:
	default:
		t.Fatal("permission layer was never consulted")
	}

	var states []State
	for _, ev := range collected {
		if ev.Type == EventStateChanged {
			states = append(states, ev.State)
		}
	}
	// The wait on the prompt is observable, and once granted the state
	// returns to dispatching before the results come back.
	awaiting := slices.Index(states, StateAwaitingPermission)
	require.GreaterOrEqual(t, awaiting, 0)
	require.Contains(t, states[awaiting+1:], StateDispatchingTools)
}

func TestWireMessagesSkipToolRoleToUser(t *testing.T) {
	t.Parallel()
	history := []message.Message{
		{Role: message.User, Parts: []message.ContentPart{message.TextContent{Text: "hi"}}},
		{Role: message.Assistant, Parts: []message.ContentPart{
			message.ToolCall{ID: "c1", Name: "echo", Input: `{"text":"x"}`, Finished: true},
		}},
		{Role: message.Tool, Parts: []message.ContentPart{
			message.ToolResult{ToolCallID: "c1", Name: "echo", Content: "x"},
		}},
	}
	wire := toWireMessages(history)
	require.Len(t, wire, 3)
	require.Equal(t, "user", wire[0].Role)
	require.Equal(t, "assistant", wire[1].Role)
	require.Equal(t, "user", wire[2].Role)
	require.Contains(t, string(wire[2].Content), "tool_result")
	require.Contains(t, string(wire[1].Content), "tool_use")
}

func TestWireMessagesRepairInvalidToolInput(t *testing.T) {
	t.Parallel()
	history := []message.Message{
		{Role: message.Assistant, Parts: []message.ContentPart{
			message.ToolCall{ID: "c1", Name: "echo", Input: `{"broken`},
		}},
	}
	wire := toWireMessages(history)
	require.Len(t, wire, 1)
	require.Contains(t, string(wire[0].Content), `"input":{}`)
	require.False(t, strings.Contains(string(wire[0].Content), "broken"))
}
