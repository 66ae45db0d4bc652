package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hatcher/hatch/logs"
	"github.com/hatcher/hatch/message"
	"github.com/hatcher/hatch/provider"
	"github.com/hatcher/hatch/tokens"
)

// ContextBudget is the token allowance for model calls and the occupancy
// ratio that triggers compaction.
type ContextBudget struct {
	MaxTokens        int64
	CompactThreshold float64
}

const (
	// defaultKeepVerbatim is the initial size of the keep-verbatim suffix.
	defaultKeepVerbatim = 6
	// keepVerbatimFloor guarantees the most recent user turn survives
	// compaction untouched.
	keepVerbatimFloor = 1

	// maxToolOutputChars caps tool-output blocks during the pre-pass.
	maxToolOutputChars = 4000

	summaryMarker = "Summary of prior conversation:\n\n"

	summarizePrompt = "Summarize the conversation below for continuation in a fresh context. " +
		"Preserve: the user's goals, decisions made, files and commands involved, " +
		"current state of the work, and anything explicitly asked to remember. " +
		"Be concise; omit tool output details unless still needed.\n\n"
)

// compactor shrinks a session's history to fit a context budget.
type compactor struct {
	messages message.Service
	client   provider.Client
	model    string
}

// shouldCompact reports whether estimated occupancy crossed the threshold.
func shouldCompact(history []message.Message, budget ContextBudget) bool {
	if budget.MaxTokens <= 0 {
		return false
	}
	used := tokens.EstimateHistory(history)
	return float64(used)/float64(budget.MaxTokens) >= budget.CompactThreshold
}

var (
	newlineRun = regexp.MustCompile(`\n{3,}`)
	spaceRun   = regexp.MustCompile(` {8,}`)
)

// prePass applies cheap lossy reductions in place: long tool outputs are
// truncated with an omitted-byte marker and whitespace runs collapsed.
// Returns true when anything changed.
func prePass(history []message.Message) bool {
	changed := false
	for i := range history {
		for j, part := range history[i].Parts {
			tr, ok := part.(message.ToolResult)
			if !ok {
				continue
			}
			content := tr.Content
			if len(content) > maxToolOutputChars {
				cut := maxToolOutputChars
				// Never split a multi-byte rune.
				for cut > 0 && !utf8.RuneStart(content[cut]) {
					cut--
				}
				omitted := len(content) - cut
				content = content[:cut] + fmt.Sprintf("\n[... %d bytes truncated]", omitted)
			}
			collapsed := spaceRun.ReplaceAllString(newlineRun.ReplaceAllString(content, "\n\n"), " ")
			if collapsed != tr.Content {
				tr.Content = collapsed
				history[i].Parts[j] = tr
				changed = true
			}
		}
	}
	return changed
}

// compact reduces history below the budget. It first tries the cheap
// pre-pass, then replaces a prefix with a model-written summary, shrinking
// the keep-verbatim window down to the floor if needed. If summarization
// fails it falls back to dropping oldest turns.
//
// The returned history reflects what is now persisted for the session.
func (c *compactor) compact(ctx context.Context, sessionID string, history []message.Message, budget ContextBudget) ([]message.Message, error) {
	before := tokens.EstimateHistory(history)
	// Already under the target: compacting again must not change anything.
	if before <= budgetTarget(budget) {
		return history, nil
	}

	if prePass(history) {
		for _, msg := range history {
			if err := c.messages.Update(ctx, msg); err != nil {
				return history, fmt.Errorf("persist pre-pass: %w", err)
			}
		}
		if !shouldCompact(history, budget) {
			logs.Infof("compaction pre-pass sufficed: %d -> %d tokens", before, tokens.EstimateHistory(history))
			return history, nil
		}
	}

	keep := defaultKeepVerbatim
	if keep >= len(history) {
		keep = len(history) - 1
	}

	for keep >= keepVerbatimFloor {
		prefixEnd := splitPoint(history, keep)
		if prefixEnd <= 0 {
			// Nothing older to summarize; no-op.
			return history, nil
		}

		summaryText, err := c.summarize(ctx, history[:prefixEnd])
		if err != nil {
			logs.Warnf("summarization failed, falling back to truncation: %v", err)
			return c.truncateOldest(ctx, sessionID, history, budget)
		}

		candidate, err := c.splice(ctx, sessionID, prefixEnd, summaryText)
		if err != nil {
			return history, err
		}
		history = candidate

		if tokens.EstimateHistory(history) <= budgetTarget(budget) {
			return history, nil
		}
		// Still over; shrink the verbatim window and summarize again.
		keep--
	}
	return history, nil
}

// budgetTarget is the occupancy compaction aims for: just under the
// trigger threshold.
func budgetTarget(budget ContextBudget) int64 {
	return int64(float64(budget.MaxTokens) * budget.CompactThreshold)
}

// splitPoint finds the prefix end that keeps the last `keep` messages
// verbatim, moved back so the suffix never starts with a non-user message
// in the middle of a tool exchange.
func splitPoint(history []message.Message, keep int) int {
	prefixEnd := len(history) - keep
	if prefixEnd < 0 {
		prefixEnd = 0
	}
	// Never split between an assistant tool call and its results; back up
	// until the suffix starts at a user turn.
	for prefixEnd > 0 && history[prefixEnd].Role != message.User {
		prefixEnd--
	}
	return prefixEnd
}

func (c *compactor) summarize(ctx context.Context, prefix []message.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString(summarizePrompt)
	for _, msg := range prefix {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Text())
		sb.WriteString("\n\n")
	}

	content, err := completeText(ctx, c.client, provider.Request{
		Model:           c.model,
		Messages:        []provider.Message{textMessage("user", sb.String())},
		MaxOutputTokens: 2048,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return content, nil
}

// splice replaces messages[:prefixEnd] with one synthetic assistant
// summary turn.
func (c *compactor) splice(ctx context.Context, sessionID string, prefixEnd int, summaryText string) ([]message.Message, error) {
	summary := message.Message{
		Role:  message.Assistant,
		Model: c.model,
	}
	summary.AppendContent(summaryMarker + summaryText)

	if _, err := c.messages.ReplacePrefix(ctx, sessionID, prefixEnd, summary); err != nil {
		return nil, fmt.Errorf("splice summary: %w", err)
	}
	return c.messages.List(ctx, sessionID)
}

// truncateOldest drops whole turns oldest-first until under budget,
// keeping at least the most recent user turn. Used only when the
// summarization call fails.
func (c *compactor) truncateOldest(ctx context.Context, sessionID string, history []message.Message, budget ContextBudget) ([]message.Message, error) {
	drop := 0
	for drop < len(history)-1 {
		if tokens.EstimateHistory(history[drop:]) <= budgetTarget(budget) {
			break
		}
		drop++
	}
	// Land on a user turn so roles still alternate.
	for drop > 0 && drop < len(history) && history[drop].Role != message.User {
		drop++
	}
	if drop <= 0 || drop >= len(history) {
		drop = len(history) - 1
		for drop > 0 && history[drop].Role != message.User {
			drop--
		}
	}
	if drop <= 0 {
		return history, nil
	}

	note := message.Message{Role: message.Assistant, Model: c.model}
	note.AppendContent(summaryMarker + "(earlier turns were dropped to fit the context window)")
	if _, err := c.messages.ReplacePrefix(ctx, sessionID, drop, note); err != nil {
		return nil, fmt.Errorf("truncate history: %w", err)
	}
	return c.messages.List(ctx, sessionID)
}

// completeText runs a non-streaming-style call and accumulates the text.
func completeText(ctx context.Context, client provider.Client, req provider.Request) (string, error) {
	events, err := client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventContentBlockDelta:
			sb.WriteString(ev.Text)
		case provider.EventError:
			return "", ev.Err
		}
	}
	return sb.String(), nil
}

func textMessage(role, text string) provider.Message {
	blocks, _ := jsonMarshalBlocks(text)
	return provider.Message{Role: role, Content: blocks}
}
