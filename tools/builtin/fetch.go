package builtin

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/hatcher/hatch/tools"
)

//go:embed fetch.md
var fetchDescription string

type FetchParams struct {
	URL string `json:"url" jsonschema:"description=The URL to fetch"`
}

type FetchResponseMetadata struct {
	FinalURL    string `json:"final_url"`
	ContentType string `json:"content_type"`
	StatusCode  int    `json:"status_code"`
}

const (
	FetchToolName  = "fetch"
	MaxFetchSize   = 5 * 1024 * 1024
	MaxFetchOutput = 50000
	fetchTimeout   = 30 * time.Second
)

func NewFetchTool() tools.BaseTool {
	client := &http.Client{Timeout: fetchTimeout}

	return tools.NewTool(FetchToolName, fetchDescription,
		func(ctx context.Context, params FetchParams, call tools.ToolCall) (tools.ToolResult, error) {
			parsed, err := url.Parse(params.URL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return tools.NewErrorResult(tools.ErrValidation, "url must be a valid http or https URL"), nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
			if err != nil {
				return tools.NewErrorResult(tools.ErrValidation, "invalid request: %v", err), nil
			}
			req.Header.Set("User-Agent", "hatch/1.0")

			resp, err := client.Do(req)
			if err != nil {
				return tools.NewErrorResult(tools.ErrHandlerException, "fetch failed: %v", err), nil
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchSize))
			if err != nil {
				return tools.NewErrorResult(tools.ErrHandlerException, "read failed: %v", err), nil
			}

			contentType := resp.Header.Get("Content-Type")
			content := string(body)
			if strings.Contains(contentType, "text/html") {
				if rendered, err := htmlToMarkdown(content); err == nil {
					content = rendered
				}
			}
			if len(content) > MaxFetchOutput {
				content = content[:MaxFetchOutput] + "\n... (content truncated)"
			}

			output := content
			if resp.StatusCode != http.StatusOK {
				output = fmt.Sprintf("(HTTP %d)\n%s", resp.StatusCode, content)
			}
			return tools.NewTextResultWithMetadata(output, FetchResponseMetadata{
				FinalURL:    resp.Request.URL.String(),
				ContentType: contentType,
				StatusCode:  resp.StatusCode,
			}), nil
		},
		tools.WithPermission(func(input string) string {
			var p FetchParams
			if err := json.Unmarshal([]byte(input), &p); err != nil {
				return ""
			}
			if parsed, err := url.Parse(p.URL); err == nil {
				return parsed.Host
			}
			return p.URL
		}))
}

func htmlToMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	// Scripts and styles only add noise to the model's context.
	doc.Find("script, style, noscript").Remove()
	cleaned, err := doc.Html()
	if err != nil {
		return "", err
	}
	return md.NewConverter("", true, nil).ConvertString(cleaned)
}
