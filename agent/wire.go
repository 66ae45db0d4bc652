package agent

import (
	"encoding/json"

	"github.com/hatcher/hatch/message"
	"github.com/hatcher/hatch/provider"
	"github.com/hatcher/hatch/tools"
)

// wire block shapes for the backend request body.
type wireTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type wireToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// toWireMessages converts a message history to backend wire shape. Tool
// turns become user-role messages carrying tool_result blocks; unfinished
// or empty messages are skipped.
func toWireMessages(history []message.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, msg := range history {
		var blocks []any
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case message.TextContent:
				if p.Text != "" {
					blocks = append(blocks, wireTextBlock{Type: "text", Text: p.Text})
				}
			case message.ToolCall:
				input := p.Input
				if input == "" || !json.Valid([]byte(input)) {
					input = "{}"
				}
				blocks = append(blocks, wireToolUseBlock{
					Type:  "tool_use",
					ID:    p.ID,
					Name:  p.Name,
					Input: json.RawMessage(input),
				})
			case message.ToolResult:
				content := p.Content
				if content == "" {
					content = "(no output)"
				}
				blocks = append(blocks, wireToolResultBlock{
					Type:      "tool_result",
					ToolUseID: p.ToolCallID,
					Content:   content,
					IsError:   p.IsError,
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := "user"
		if msg.Role == message.Assistant {
			role = "assistant"
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			continue
		}
		out = append(out, provider.Message{Role: role, Content: content})
	}
	return out
}

func toWireTools(list []tools.BaseTool) []provider.ToolDescriptor {
	out := make([]provider.ToolDescriptor, 0, len(list))
	for _, tool := range list {
		info := tool.Info()
		out = append(out, provider.ToolDescriptor{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.Parameters,
		})
	}
	return out
}

func jsonMarshalBlocks(text string) (json.RawMessage, error) {
	return json.Marshal([]wireTextBlock{{Type: "text", Text: text}})
}

// toolResultContent renders a dispatcher result as the content of a
// tool_result block.
func toolResultContent(result tools.ToolResult) (string, bool) {
	if result.Success {
		return result.Output, false
	}
	msg := "tool failed"
	if result.Error != nil {
		msg = string(result.Error.Kind) + ": " + result.Error.Message
	}
	return msg, true
}
