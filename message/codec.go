package message

import (
	"encoding/json"
	"fmt"
)

type partType string

const (
	reasoningType  partType = "reasoning"
	textType       partType = "text"
	imageURLType   partType = "image_url"
	binaryType     partType = "binary"
	toolCallType   partType = "tool_call"
	toolResultType partType = "tool_result"
	finishType     partType = "finish"
)

type partWrapper struct {
	Type partType    `json:"type"`
	Data ContentPart `json:"data"`
}

// MarshalParts serializes content parts as a tagged union so heterogeneous
// parts survive a round trip through storage.
func MarshalParts(parts []ContentPart) ([]byte, error) {
	wrappedParts := make([]partWrapper, len(parts))

	for i, part := range parts {
		var typ partType

		switch part.(type) {
		case ReasoningContent:
			typ = reasoningType
		case TextContent:
			typ = textType
		case ImageURLContent:
			typ = imageURLType
		case BinaryContent:
			typ = binaryType
		case ToolCall:
			typ = toolCallType
		case ToolResult:
			typ = toolResultType
		case Finish:
			typ = finishType
		default:
			return nil, fmt.Errorf("unknown part type: %T", part)
		}

		wrappedParts[i] = partWrapper{
			Type: typ,
			Data: part,
		}
	}
	return json.Marshal(wrappedParts)
}

// UnmarshalParts is the inverse of [MarshalParts].
func UnmarshalParts(data []byte) ([]ContentPart, error) {
	temp := []json.RawMessage{}

	if err := json.Unmarshal(data, &temp); err != nil {
		return nil, err
	}

	parts := make([]ContentPart, 0, len(temp))

	for _, rawPart := range temp {
		var wrapper struct {
			Type partType        `json:"type"`
			Data json.RawMessage `json:"data"`
		}

		if err := json.Unmarshal(rawPart, &wrapper); err != nil {
			return nil, err
		}

		part, err := unmarshalPart(wrapper.Type, wrapper.Data)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	return parts, nil
}

func unmarshalPart(typ partType, data json.RawMessage) (ContentPart, error) {
	switch typ {
	case reasoningType:
		part := ReasoningContent{}
		err := json.Unmarshal(data, &part)
		return part, err
	case textType:
		part := TextContent{}
		err := json.Unmarshal(data, &part)
		return part, err
	case imageURLType:
		part := ImageURLContent{}
		err := json.Unmarshal(data, &part)
		return part, err
	case binaryType:
		part := BinaryContent{}
		err := json.Unmarshal(data, &part)
		return part, err
	case toolCallType:
		part := ToolCall{}
		err := json.Unmarshal(data, &part)
		return part, err
	case toolResultType:
		part := ToolResult{}
		err := json.Unmarshal(data, &part)
		return part, err
	case finishType:
		part := Finish{}
		err := json.Unmarshal(data, &part)
		return part, err
	default:
		return nil, fmt.Errorf("unknown part type: %s", typ)
	}
}
