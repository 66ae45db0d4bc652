// Package agent runs the conversation loop: it feeds the session history
// to the model backend, interprets the streamed response, dispatches tool
// calls, and appends the results back onto the session until the model
// ends its turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/catwalk/pkg/catwalk"

	"github.com/hatcher/hatch/csync"
	"github.com/hatcher/hatch/logs"
	"github.com/hatcher/hatch/message"
	"github.com/hatcher/hatch/provider"
	"github.com/hatcher/hatch/pubsub"
	"github.com/hatcher/hatch/safego"
	"github.com/hatcher/hatch/session"
	"github.com/hatcher/hatch/tokens"
	"github.com/hatcher/hatch/tools"
)

const defaultMaxTurns = 25

type Options struct {
	SystemPrompt string
	Model        catwalk.Model
	// ProviderName is recorded on assistant messages.
	ProviderName string
	// MaxTurns caps model round-trips per user input.
	MaxTurns int
	// CostLimit is an optional session cost ceiling in dollars; zero means
	// no ceiling.
	CostLimit float64
	Budget    ContextBudget
	// AllowedTools/DeniedTools filter the advertised tool set by glob
	// pattern; the denylist wins.
	AllowedTools []string
	DeniedTools  []string
}

type Service interface {
	pubsub.Subscriber[Event]

	// Run processes one user input. If a run is already in flight for the
	// session the prompt is queued and its channel delivers events once it
	// starts.
	Run(ctx context.Context, sessionID, content string) (<-chan Event, error)
	// Cancel interrupts the in-flight run; streamed partial content is
	// preserved on the session.
	Cancel(sessionID string)
	IsBusy(sessionID string) bool
	QueuedPrompts(sessionID string) int
	// Compact forces a compaction pass outside the usual threshold check.
	Compact(ctx context.Context, sessionID string) error
}

type queuedPrompt struct {
	content string
	out     chan Event
}

type agentService struct {
	*pubsub.Broker[Event]
	sessions   session.Service
	messages   message.Service
	client     provider.Client
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	opts       Options

	activeRequests *csync.Map[string, context.CancelFunc]
	promptQueue    *csync.Map[string, []queuedPrompt]
	states         *csync.Map[string, State]
	terminated     *csync.Value[bool]
	compactor      *compactor
}

func New(
	sessions session.Service,
	messages message.Service,
	client provider.Client,
	registry *tools.Registry,
	dispatcher *tools.Dispatcher,
	opts Options,
) Service {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.Budget.MaxTokens <= 0 {
		opts.Budget.MaxTokens = opts.Model.ContextWindow
	}
	if opts.Budget.CompactThreshold <= 0 {
		opts.Budget.CompactThreshold = 0.7
	}
	return &agentService{
		Broker:         pubsub.NewBroker[Event](),
		sessions:       sessions,
		messages:       messages,
		client:         client,
		registry:       registry,
		dispatcher:     dispatcher,
		opts:           opts,
		activeRequests: csync.NewMap[string, context.CancelFunc](),
		promptQueue:    csync.NewMap[string, []queuedPrompt](),
		states:         csync.NewMap[string, State](),
		terminated:     csync.NewValue(false),
		compactor: &compactor{
			messages: messages,
			client:   client,
			model:    opts.Model.ID,
		},
	}
}

func (a *agentService) IsBusy(sessionID string) bool {
	_, busy := a.activeRequests.Get(sessionID)
	return busy
}

func (a *agentService) QueuedPrompts(sessionID string) int {
	queue, _ := a.promptQueue.Get(sessionID)
	return len(queue)
}

func (a *agentService) Cancel(sessionID string) {
	if cancel, ok := a.activeRequests.Get(sessionID); ok {
		logs.Infof("cancelling run for session %s", sessionID)
		cancel()
	}
}

func (a *agentService) Run(ctx context.Context, sessionID, content string) (<-chan Event, error) {
	if a.terminated.Get() {
		return nil, ErrTerminated
	}
	out := make(chan Event, 64)
	if a.IsBusy(sessionID) {
		queue, _ := a.promptQueue.Get(sessionID)
		a.promptQueue.Set(sessionID, append(queue, queuedPrompt{content: content, out: out}))
		return out, nil
	}
	a.start(ctx, sessionID, content, out)
	return out, nil
}

func (a *agentService) start(ctx context.Context, sessionID, content string, out chan Event) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.activeRequests.Set(sessionID, cancel)
	safego.Go(func() {
		defer cancel()
		a.processRun(runCtx, sessionID, content, out)
		a.activeRequests.Del(sessionID)
		close(out)
		a.startQueued(ctx, sessionID)
	})
}

func (a *agentService) startQueued(ctx context.Context, sessionID string) {
	queue, _ := a.promptQueue.Get(sessionID)
	if len(queue) == 0 || a.terminated.Get() {
		return
	}
	next := queue[0]
	a.promptQueue.Set(sessionID, queue[1:])
	a.start(ctx, sessionID, next.content, next.out)
}

func (a *agentService) setState(sessionID string, state State, out chan<- Event) {
	a.states.Set(sessionID, state)
	a.emit(out, Event{Type: EventStateChanged, SessionID: sessionID, State: state})
}

// emit delivers to the per-run channel and the broker; the run channel
// must never block the loop.
func (a *agentService) emit(out chan<- Event, ev Event) {
	select {
	case out <- ev:
	default:
	}
	a.Publish(pubsub.CreatedEvent, ev)
}

func (a *agentService) processRun(ctx context.Context, sessionID, content string, out chan Event) {
	a.emit(out, Event{Type: EventRunStarted, SessionID: sessionID})
	defer func() {
		if !a.terminated.Get() {
			a.setState(sessionID, StateIdle, out)
		}
	}()

	if _, err := a.messages.Create(ctx, sessionID, message.CreateMessageParams{
		Role:  message.User,
		Parts: []message.ContentPart{message.TextContent{Text: content}},
	}); err != nil {
		a.fatal(sessionID, out, fmt.Errorf("append user turn: %w", err))
		return
	}

	safego.Go(func() { a.maybeGenerateTitle(ctx, sessionID, content) })

	turns := 0
	for {
		if turns >= a.opts.MaxTurns {
			a.finishWithNote(ctx, sessionID, out, message.FinishReasonTurnLimit,
				fmt.Sprintf("stopped: turn budget exceeded after %d model round-trips", turns))
			break
		}
		if over, cost := a.overCostLimit(ctx, sessionID); over {
			a.finishWithNote(ctx, sessionID, out, message.FinishReasonBudgetExceeded,
				fmt.Sprintf("stopped: session cost $%.4f reached the configured ceiling", cost))
			break
		}

		history, err := a.messages.List(ctx, sessionID)
		if err != nil {
			a.fatal(sessionID, out, fmt.Errorf("load history: %w", err))
			return
		}
		if shouldCompact(history, a.opts.Budget) {
			history = a.runCompaction(ctx, sessionID, history, out)
		}

		a.setState(sessionID, StateAwaitingModel, out)
		assistantMsg, stopReason, usage, err := a.streamOnce(ctx, sessionID, history, out)
		turns++
		if err != nil {
			a.handleStreamError(ctx, sessionID, assistantMsg, out, err)
			return
		}
		a.recordUsage(ctx, sessionID, usage)

		a.setState(sessionID, StateInterpretingResponse, out)
		calls := assistantMsg.ToolCalls()
		if len(calls) == 0 || stopReason != provider.StopToolUse {
			reason := message.FinishReasonEndTurn
			if stopReason == provider.StopMaxTokens {
				reason = message.FinishReasonMaxTokens
			}
			assistantMsg.AddFinish(reason, "", "")
			if err := a.messages.Update(ctx, assistantMsg); err != nil {
				logs.Errorf("finalize assistant turn: %v", err)
			}
			a.emit(out, Event{Type: EventRunFinished, SessionID: sessionID, Message: assistantMsg, Done: true})
			break
		}

		assistantMsg.AddFinish(message.FinishReasonToolUse, "", "")
		if err := a.messages.Update(ctx, assistantMsg); err != nil {
			a.fatal(sessionID, out, fmt.Errorf("record tool calls: %w", err))
			return
		}

		a.setState(sessionID, StateDispatchingTools, out)
		toolStart := time.Now()
		results := a.dispatchCalls(ctx, sessionID, assistantMsg.ID, calls, out)
		a.recordToolTime(ctx, sessionID, time.Since(toolStart))

		if _, err := a.messages.Create(ctx, sessionID, message.CreateMessageParams{
			Role:  message.Tool,
			Parts: resultParts(calls, results),
		}); err != nil {
			a.fatal(sessionID, out, fmt.Errorf("append tool results: %w", err))
			return
		}

		if ctx.Err() != nil {
			a.markCanceled(ctx, sessionID, assistantMsg, out)
			return
		}
	}

	// Snapshot at the turn boundary only, never mid-dispatch.
	if err := a.sessions.Flush(context.WithoutCancel(ctx), sessionID); err != nil {
		logs.Errorf("flush session %s: %v", sessionID, err)
	}
}

// streamOnce performs one model round-trip, incrementally building the
// assistant message from stream events. Tool-call input arrives as partial
// JSON fragments buffered per block index until the block completes.
func (a *agentService) streamOnce(ctx context.Context, sessionID string, history []message.Message, out chan<- Event) (message.Message, provider.StopReason, provider.Usage, error) {
	assistantMsg, err := a.messages.Create(ctx, sessionID, message.CreateMessageParams{
		Role:     message.Assistant,
		Model:    a.opts.Model.ID,
		Provider: a.opts.ProviderName,
	})
	if err != nil {
		return message.Message{}, "", provider.Usage{}, err
	}

	req := provider.Request{
		Model:           a.opts.Model.ID,
		System:          a.opts.SystemPrompt,
		Messages:        toWireMessages(history),
		Tools:           toWireTools(a.registry.ListAvailable(a.opts.AllowedTools, a.opts.DeniedTools)),
		MaxOutputTokens: a.opts.Model.DefaultMaxTokens,
	}

	apiStart := time.Now()
	events, err := a.client.Stream(ctx, req)
	if err != nil {
		return assistantMsg, "", provider.Usage{}, err
	}

	type blockState struct {
		blockType  provider.BlockType
		toolCallID string
		toolName   string
		jsonBuf    strings.Builder
	}
	blocks := make(map[int]*blockState)

	var stopReason provider.StopReason
	var usage provider.Usage

	for ev := range events {
		if ctx.Err() != nil {
			a.persist(ctx, &assistantMsg)
			return assistantMsg, stopReason, usage, ctx.Err()
		}
		switch ev.Type {
		case provider.EventMessageStart:
			usage = addUsage(usage, ev.Usage)
		case provider.EventContentBlockStart:
			blocks[ev.Index] = &blockState{
				blockType:  ev.BlockType,
				toolCallID: ev.ToolCallID,
				toolName:   ev.ToolName,
			}
			if ev.BlockType == provider.BlockToolUse {
				assistantMsg.AddToolCall(message.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName})
			}
		case provider.EventContentBlockDelta:
			block, ok := blocks[ev.Index]
			if !ok {
				continue
			}
			switch block.blockType {
			case provider.BlockText:
				assistantMsg.AppendContent(ev.Text)
				a.emit(out, Event{Type: EventContentDelta, SessionID: sessionID, MessageID: assistantMsg.ID, Content: ev.Text})
			case provider.BlockThinking:
				assistantMsg.AppendReasoningContent(ev.Text)
				a.emit(out, Event{Type: EventThinkingDelta, SessionID: sessionID, MessageID: assistantMsg.ID, Content: ev.Text})
			case provider.BlockToolUse:
				block.jsonBuf.WriteString(ev.PartialJSON)
			}
		case provider.EventContentBlockStop:
			block, ok := blocks[ev.Index]
			if !ok {
				continue
			}
			switch block.blockType {
			case provider.BlockThinking:
				assistantMsg.FinishThinking()
			case provider.BlockToolUse:
				call := message.ToolCall{
					ID:       block.toolCallID,
					Name:     block.toolName,
					Input:    finalizeToolInput(block.jsonBuf.String()),
					Finished: true,
				}
				assistantMsg.AddToolCall(call)
				a.emit(out, Event{Type: EventToolCallStarted, SessionID: sessionID, MessageID: assistantMsg.ID, ToolCall: call})
			}
			a.persist(ctx, &assistantMsg)
		case provider.EventMessageDelta:
			stopReason = ev.StopReason
			usage = addUsage(usage, ev.Usage)
		case provider.EventError:
			a.persist(ctx, &assistantMsg)
			return assistantMsg, stopReason, usage, ev.Err
		case provider.EventMessageStop:
		}
	}

	a.recordAPITime(ctx, sessionID, time.Since(apiStart))
	a.persist(ctx, &assistantMsg)
	if ctx.Err() != nil {
		return assistantMsg, stopReason, usage, ctx.Err()
	}
	if stopReason == "" {
		stopReason = provider.StopEndTurn
	}
	return assistantMsg, stopReason, usage, nil
}

// finalizeToolInput validates reassembled tool-call JSON; an unfinished
// fragment degrades to an empty object so validation fails cleanly
// downstream instead of crashing the loop.
func finalizeToolInput(buf string) string {
	trimmed := strings.TrimSpace(buf)
	if trimmed == "" {
		return "{}"
	}
	if !json.Valid([]byte(trimmed)) {
		return "{}"
	}
	return trimmed
}

func (a *agentService) persist(ctx context.Context, msg *message.Message) {
	if err := a.messages.Update(context.WithoutCancel(ctx), *msg); err != nil {
		logs.Errorf("persist assistant message %s: %v", msg.ID, err)
	}
}

func (a *agentService) dispatchCalls(ctx context.Context, sessionID, messageID string, calls []message.ToolCall, out chan<- Event) []tools.ToolResult {
	toolCtx := context.WithValue(ctx, tools.SessionIDContextKey, sessionID)
	toolCtx = context.WithValue(toolCtx, tools.MessageIDContextKey, messageID)
	// The dispatcher blocks inside the permission layer while the user is
	// prompted; reflect that wait in the conversation state.
	toolCtx = tools.WithPermissionObserver(toolCtx, func(_ tools.ToolCall, waiting bool) {
		if waiting {
			a.setState(sessionID, StateAwaitingPermission, out)
			return
		}
		a.setState(sessionID, StateDispatchingTools, out)
	})

	invocations := make([]tools.ToolCall, len(calls))
	for i, call := range calls {
		invocations[i] = tools.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input}
	}
	results := a.dispatcher.DispatchBatch(toolCtx, invocations)
	for _, result := range results {
		a.emit(out, Event{Type: EventToolResult, SessionID: sessionID, Result: result})
	}
	return results
}

// resultParts builds the tool-result turn: one block per invocation, in
// request order, so correlation by position is never ambiguous.
func resultParts(calls []message.ToolCall, results []tools.ToolResult) []message.ContentPart {
	parts := make([]message.ContentPart, 0, len(results))
	for i, result := range results {
		content, isErr := toolResultContent(result)
		parts = append(parts, message.ToolResult{
			ToolCallID: calls[i].ID,
			Name:       calls[i].Name,
			Content:    content,
			Metadata:   result.Metadata,
			IsError:    isErr,
		})
	}
	return parts
}

func (a *agentService) overCostLimit(ctx context.Context, sessionID string) (bool, float64) {
	if a.opts.CostLimit <= 0 {
		return false, 0
	}
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, 0
	}
	return sess.Cost >= a.opts.CostLimit, sess.Cost
}

func (a *agentService) recordUsage(ctx context.Context, sessionID string, usage provider.Usage) {
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		logs.Errorf("load session for usage: %v", err)
		return
	}
	model := a.opts.Model
	cost := float64(usage.InputTokens)/1e6*model.CostPer1MIn +
		float64(usage.OutputTokens)/1e6*model.CostPer1MOut +
		float64(usage.CacheCreationTokens)/1e6*model.CostPer1MInCached +
		float64(usage.CacheReadTokens)/1e6*model.CostPer1MOutCached
	sess.AddUsage(model.ID, session.ModelUsage{
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		Cost:                cost,
	})
	sess.PromptTokens = usage.InputTokens + usage.CacheReadTokens + usage.CacheCreationTokens
	sess.CompletionTokens = usage.OutputTokens
	if _, err := a.sessions.Save(ctx, sess); err != nil {
		logs.Errorf("save session usage: %v", err)
	}
}

func (a *agentService) recordAPITime(ctx context.Context, sessionID string, elapsed time.Duration) {
	a.recordTime(ctx, sessionID, session.ModelUsage{APITime: elapsed})
}

func (a *agentService) recordToolTime(ctx context.Context, sessionID string, elapsed time.Duration) {
	a.recordTime(ctx, sessionID, session.ModelUsage{ToolTime: elapsed})
}

func (a *agentService) recordTime(ctx context.Context, sessionID string, usage session.ModelUsage) {
	sess, err := a.sessions.Get(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return
	}
	sess.AddUsage(a.opts.Model.ID, usage)
	if _, err := a.sessions.Save(context.WithoutCancel(ctx), sess); err != nil {
		logs.Errorf("save session timing: %v", err)
	}
}

func (a *agentService) runCompaction(ctx context.Context, sessionID string, history []message.Message, out chan<- Event) []message.Message {
	before := tokens.EstimateHistory(history)
	compacted, err := a.compactor.compact(ctx, sessionID, history, a.opts.Budget)
	if err != nil {
		logs.Errorf("compaction failed: %v", err)
		return history
	}
	after := tokens.EstimateHistory(compacted)
	if after < before {
		a.emit(out, Event{
			Type:         EventCompaction,
			SessionID:    sessionID,
			TokensBefore: before,
			TokensAfter:  after,
		})
	}
	return compacted
}

func (a *agentService) Compact(ctx context.Context, sessionID string) error {
	if a.IsBusy(sessionID) {
		return ErrSessionBusy
	}
	history, err := a.messages.List(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = a.compactor.compact(ctx, sessionID, history, a.opts.Budget)
	return err
}

// finishWithNote appends a synthetic assistant note explaining why the
// turn was cut off and ends the run normally.
func (a *agentService) finishWithNote(ctx context.Context, sessionID string, out chan<- Event, reason message.FinishReason, note string) {
	msg := message.Message{Role: message.Assistant, Model: a.opts.Model.ID}
	msg.AppendContent(note)
	msg.AddFinish(reason, "", note)
	created, err := a.messages.Create(context.WithoutCancel(ctx), sessionID, message.CreateMessageParams{
		Role:  message.Assistant,
		Parts: msg.Parts,
		Model: a.opts.Model.ID,
	})
	if err != nil {
		logs.Errorf("append cutoff note: %v", err)
	}
	a.emit(out, Event{Type: EventRunFinished, SessionID: sessionID, Message: created, Done: true})
}

func (a *agentService) markCanceled(ctx context.Context, sessionID string, assistantMsg message.Message, out chan<- Event) {
	assistantMsg.AddFinish(message.FinishReasonCanceled, "", "")
	a.persist(ctx, &assistantMsg)
	a.emit(out, Event{Type: EventRunFinished, SessionID: sessionID, Message: assistantMsg, Done: true})
	if err := a.sessions.Flush(context.WithoutCancel(ctx), sessionID); err != nil {
		logs.Errorf("flush session %s: %v", sessionID, err)
	}
}

func (a *agentService) handleStreamError(ctx context.Context, sessionID string, assistantMsg message.Message, out chan<- Event, err error) {
	if errors.Is(err, context.Canceled) {
		a.markCanceled(ctx, sessionID, assistantMsg, out)
		return
	}

	var provErr *provider.Error
	if errors.As(err, &provErr) && !provErr.Retryable {
		// Non-retryable backend failure ends the whole conversation.
		assistantMsg.AddFinish(message.FinishReasonError, "", err.Error())
		a.persist(ctx, &assistantMsg)
		a.fatal(sessionID, out, err)
		return
	}

	// Transient errors already exhausted their retries; surface as a
	// turn-level error and return to idle.
	assistantMsg.AddFinish(message.FinishReasonError, "", err.Error())
	a.persist(ctx, &assistantMsg)
	a.emit(out, Event{Type: EventError, SessionID: sessionID, Err: err, Done: true})
	if flushErr := a.sessions.Flush(context.WithoutCancel(ctx), sessionID); flushErr != nil {
		logs.Errorf("flush session %s: %v", sessionID, flushErr)
	}
}

// fatal moves the conversation to Terminated; no further input is
// accepted.
func (a *agentService) fatal(sessionID string, out chan<- Event, err error) {
	logs.Errorf("fatal conversation error: %v", err)
	a.terminated.Set(true)
	a.states.Set(sessionID, StateTerminated)
	a.emit(out, Event{Type: EventError, SessionID: sessionID, State: StateTerminated, Err: err, Done: true})
}

// maybeGenerateTitle asks the model for a short session title after the
// first user message.
func (a *agentService) maybeGenerateTitle(ctx context.Context, sessionID, content string) {
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil || sess.Title != "" {
		return
	}
	title, err := completeText(context.WithoutCancel(ctx), a.client, provider.Request{
		Model: a.opts.Model.ID,
		Messages: []provider.Message{textMessage("user",
			"Write a title (at most 8 words, no quotes) for a coding session that starts with this request:\n\n"+content)},
		MaxOutputTokens: 40,
	})
	if err != nil || strings.TrimSpace(title) == "" {
		return
	}
	sess, err = a.sessions.Get(ctx, sessionID)
	if err != nil {
		return
	}
	sess.Title = strings.TrimSpace(strings.Split(title, "\n")[0])
	if _, err := a.sessions.Save(ctx, sess); err != nil {
		logs.Warnf("save generated title: %v", err)
	}
}

func addUsage(a, b provider.Usage) provider.Usage {
	a.InputTokens += b.InputTokens
	a.OutputTokens += b.OutputTokens
	a.CacheReadTokens += b.CacheReadTokens
	a.CacheCreationTokens += b.CacheCreationTokens
	return a
}
