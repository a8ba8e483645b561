// Package webfetch fetches web pages and extracts their readable content.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-shiori/go-readability"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/types"
)

// Tool fetches and extracts readable content from URLs
type Tool struct {
	client *http.Client
}

// NewTool creates a new web fetch tool
func NewTool() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *Tool) Name() string {
	return "web_fetch"
}

func (t *Tool) Description() string {
	return "Fetch a web page and extract its readable text content. " +
		"Use format 'markdown' to keep links and structure."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch",
			},
			"format": map[string]any{
				"type":        "string",
				"description": "Output format: 'text' (readable article text, default) or 'markdown'.",
			},
			"max_length": map[string]any{
				"type":        "integer",
				"description": "Maximum content length to return (default: 10000)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params struct {
		URL       string `json:"url"`
		Format    string `json:"format"`
		MaxLength int    `json:"max_length"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if err := ValidateURLSafety(params.URL); err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(params.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	maxLen := params.MaxLength
	if maxLen <= 0 {
		maxLen = 10000
	}
	format := params.Format
	if format == "" {
		format = "text"
	}

	L_debug("web_fetch: fetching", "url", params.URL, "format", format, "maxLength", maxLen)

	content, err := t.fetch(ctx, params.URL, parsedURL, format, maxLen)
	if err != nil {
		return nil, err
	}
	return types.TextResult(content), nil
}

func (t *Tool) fetch(ctx context.Context, urlStr string, parsedURL *url.URL, format string, maxLen int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := t.client.Do(req)
	if err != nil {
		L_error("web_fetch: request failed", "error", err, "url", urlStr)
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		L_warn("web_fetch: non-200 status", "status", resp.StatusCode, "url", urlStr)
		return "", fmt.Errorf("HTTP error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxLen*4)))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		// Sniff when the header is absent or ambiguous
		detected := mimetype.Detect(body)
		if detected.Is("text/html") {
			L_debug("web_fetch: sniffed HTML despite content-type", "contentType", contentType, "url", urlStr)
		} else if strings.HasPrefix(detected.String(), "text/") || detected.Is("application/json") {
			bodyStr := string(body)
			if len(bodyStr) > maxLen {
				bodyStr = bodyStr[:maxLen]
			}
			return bodyStr, nil
		} else {
			return "", fmt.Errorf("unsupported content type: %s", detected.String())
		}
	}

	if format == "markdown" {
		markdown, err := htmltomd.ConvertString(string(body))
		if err != nil {
			L_warn("web_fetch: html-to-markdown failed, falling back to text", "error", err)
		} else {
			return t.withHeader("", urlStr, markdown, maxLen), nil
		}
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		L_error("web_fetch: readability parse failed", "error", err, "url", urlStr)
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	L_debug("web_fetch: readability extracted", "url", urlStr, "title", article.Title,
		"textLength", len(article.TextContent))

	return t.formatArticle(article, urlStr, maxLen), nil
}

func (t *Tool) formatArticle(article readability.Article, urlStr string, maxLen int) string {
	var result strings.Builder
	result.WriteString(fmt.Sprintf("Title: %s\n", article.Title))
	if article.Byline != "" {
		result.WriteString(fmt.Sprintf("Author: %s\n", article.Byline))
	}
	if article.SiteName != "" {
		result.WriteString(fmt.Sprintf("Site: %s\n", article.SiteName))
	}
	result.WriteString(fmt.Sprintf("URL: %s\n\n", urlStr))
	result.WriteString("---\n\n")
	result.WriteString(article.TextContent)

	content := result.String()
	if len(content) > maxLen {
		content = content[:maxLen] + "\n\n[Content truncated...]"
	}
	return content
}

func (t *Tool) withHeader(title, urlStr, body string, maxLen int) string {
	var result strings.Builder
	if title != "" {
		result.WriteString(fmt.Sprintf("Title: %s\n", title))
	}
	result.WriteString(fmt.Sprintf("URL: %s\n\n---\n\n", urlStr))
	result.WriteString(body)

	content := result.String()
	if len(content) > maxLen {
		content = content[:maxLen] + "\n\n[Content truncated...]"
	}
	return content
}
