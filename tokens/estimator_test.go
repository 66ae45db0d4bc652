package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hatcher/hatch/message"
)

func TestEstimateEmpty(t *testing.T) {
	require.EqualValues(t, 0, Estimate(""))
}

func TestEstimateNonEmptyIsPositive(t *testing.T) {
	require.Positive(t, Estimate("a"))
	require.Positive(t, Estimate("."))
	require.Positive(t, Estimate("好"))
}

func TestEstimateScriptRatios(t *testing.T) {
	latin := strings.Repeat("hello world ", 100)
	cjk := strings.Repeat("你好世界", 300)

	// Same character count, CJK should cost noticeably more tokens.
	require.Len(t, []rune(cjk), 1200)
	require.Len(t, latin, 1200)
	require.Greater(t, Estimate(cjk), Estimate(latin))

	// Latin prose lands near chars/3.5, CJK near chars/2.
	require.InDelta(t, 1200.0/3.5, float64(Estimate(latin)), 5)
	require.InDelta(t, 1200.0/2.0, float64(Estimate(cjk)), 5)
}

func TestEstimateCodeCostsMoreThanProse(t *testing.T) {
	prose := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)
	code := strings.Repeat("if err != nil {\n\treturn fmt.Errorf(\"x: %w\", err)\n}\n", 20)
	proseRate := float64(Estimate(prose)) / float64(len(prose))
	codeRate := float64(Estimate(code)) / float64(len(code))
	require.Greater(t, codeRate, proseRate)
}

func TestEstimateMonotonic(t *testing.T) {
	base := "some text"
	prev := Estimate(base)
	for _, suffix := range []string{" and more", "\nfunc f() {}", "加一些中文", "!!!"} {
		base += suffix
		cur := Estimate(base)
		require.GreaterOrEqual(t, cur, prev, "estimate shrank after appending %q", suffix)
		prev = cur
	}
}

func TestEstimateHistoryAdditive(t *testing.T) {
	msgs := []message.Message{
		{Role: message.User, Parts: []message.ContentPart{message.TextContent{Text: "estimate this"}}},
		{Role: message.Assistant, Parts: []message.ContentPart{
			message.TextContent{Text: strings.Repeat("response ", 50)},
			message.ToolCall{ID: "c1", Name: "view", Input: `{"path":"main.go"}`},
		}},
		{Role: message.Tool, Parts: []message.ContentPart{
			message.ToolResult{ToolCallID: "c1", Name: "view", Content: strings.Repeat("line\n", 40)},
		}},
	}

	var sum int64
	for _, m := range msgs {
		sum += EstimateMessage(m)
	}
	require.Equal(t, sum, EstimateHistory(msgs))
}

func TestEstimateMessageImageConstant(t *testing.T) {
	msg := message.Message{Parts: []message.ContentPart{
		message.ImageURLContent{URL: "https://example.com/a.png"},
	}}
	require.EqualValues(t, ImageTokens, EstimateMessage(msg))
}

func TestEstimateBinaryUsesImageConstant(t *testing.T) {
	msg := message.Message{Parts: []message.ContentPart{
		message.BinaryContent{Path: "shot.png", MIMEType: "image/png", Data: []byte{1, 2, 3}},
	}}
	require.EqualValues(t, ImageTokens, EstimateMessage(msg))
}
