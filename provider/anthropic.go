package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hatcher/hatch/logs"
)

const defaultBaseURL = "https://api.anthropic.com"

// anthropicClient streams responses over SSE from an Anthropic-compatible
// messages endpoint.
type anthropicClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*anthropicClient)

func WithBaseURL(url string) Option {
	return func(c *anthropicClient) { c.baseURL = strings.TrimSuffix(url, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *anthropicClient) { c.httpClient = hc }
}

func NewAnthropicClient(apiKey string, opts ...Option) Client {
	c := &anthropicClient{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Streams can run long; per-call cancellation comes from ctx.
			Timeout: 10 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireRequest struct {
	Model     string           `json:"model"`
	MaxTokens int64            `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDescriptor `json:"tools,omitempty"`
	Stream    bool             `json:"stream"`
}

func (c *anthropicClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body, err := json.Marshal(wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxOutputTokens,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Retryable: true, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Status:    resp.StatusCode,
			Retryable: retryableStatus(resp.StatusCode),
			Message:   strings.TrimSpace(string(msg)),
		}
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		c.readStream(ctx, resp.Body, events)
	}()
	return events, nil
}

// Overloaded and server-side failures are worth retrying; client errors
// are not.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// wireEvent is the union of all SSE payload shapes.
type wireEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		Usage wireUsage `json:"usage"`
	} `json:"message"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *wireUsage `json:"usage"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type wireUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

func (u wireUsage) toUsage() Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	}
}

func (c *anthropicClient) readStream(ctx context.Context, body io.Reader, events chan<- Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			ev, ok := parseWireEvent(payload)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == EventMessageStop || ev.Type == EventError {
				return
			}
		default:
			// event: and comment lines carry no payload we need; the type
			// is repeated inside the data JSON.
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case events <- Event{Type: EventError, Err: &Error{Retryable: true, Message: err.Error()}}:
		case <-ctx.Done():
		}
	}
}

func parseWireEvent(payload string) (Event, bool) {
	var we wireEvent
	if err := json.Unmarshal([]byte(payload), &we); err != nil {
		logs.Warnf("malformed stream event: %v", err)
		return Event{}, false
	}

	switch we.Type {
	case "message_start":
		ev := Event{Type: EventMessageStart}
		if we.Message != nil {
			ev.Usage = we.Message.Usage.toUsage()
		}
		return ev, true
	case "content_block_start":
		ev := Event{Type: EventContentBlockStart, Index: we.Index}
		if we.ContentBlock != nil {
			ev.BlockType = BlockType(we.ContentBlock.Type)
			ev.ToolCallID = we.ContentBlock.ID
			ev.ToolName = we.ContentBlock.Name
		}
		return ev, true
	case "content_block_delta":
		ev := Event{Type: EventContentBlockDelta, Index: we.Index}
		if we.Delta != nil {
			switch we.Delta.Type {
			case "input_json_delta":
				ev.PartialJSON = we.Delta.PartialJSON
			case "thinking_delta":
				ev.Text = we.Delta.Thinking
			default:
				ev.Text = we.Delta.Text
			}
		}
		return ev, true
	case "content_block_stop":
		return Event{Type: EventContentBlockStop, Index: we.Index}, true
	case "message_delta":
		ev := Event{Type: EventMessageDelta}
		if we.Delta != nil {
			ev.StopReason = StopReason(we.Delta.StopReason)
		}
		if we.Usage != nil {
			ev.Usage = we.Usage.toUsage()
		}
		return ev, true
	case "message_stop":
		return Event{Type: EventMessageStop}, true
	case "error":
		ev := Event{Type: EventError}
		if we.Error != nil {
			ev.Err = &Error{Retryable: we.Error.Type == "overloaded_error", Message: we.Error.Message}
		} else {
			ev.Err = &Error{Message: "unknown stream error"}
		}
		return ev, true
	case "ping":
		return Event{}, false
	default:
		return Event{}, false
	}
}
