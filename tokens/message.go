package tokens

import "github.com/hatcher/hatch/message"

// perPartOverhead accounts for the structural tokens each content block
// carries on the wire (role markers, block delimiters).
const perPartOverhead = 4

// EstimateMessage sums estimates over all content parts of a message.
func EstimateMessage(msg message.Message) int64 {
	var total int64
	for _, part := range msg.Parts {
		total += estimatePart(part)
	}
	return total
}

// EstimateHistory sums over a message sequence. The result equals the sum
// of the individual EstimateMessage values; there is no cross-message
// discount.
func EstimateHistory(msgs []message.Message) int64 {
	var total int64
	for _, msg := range msgs {
		total += EstimateMessage(msg)
	}
	return total
}

func estimatePart(part message.ContentPart) int64 {
	switch p := part.(type) {
	case message.TextContent:
		return Estimate(p.Text) + perPartOverhead
	case message.ReasoningContent:
		return Estimate(p.Thinking) + perPartOverhead
	case message.ToolCall:
		return Estimate(p.Name) + Estimate(p.Input) + perPartOverhead
	case message.ToolResult:
		return Estimate(p.Content) + Estimate(p.Metadata) + perPartOverhead
	case message.ImageURLContent:
		return ImageTokens
	case message.BinaryContent:
		return ImageTokens
	case message.Finish:
		return 0
	default:
		return unknownPartTokens
	}
}
