package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/yuin/goldmark"
)

const (
	webOpenLinesPerWindow = 120
	webFindMaxMatches     = 20
	pageFetchMaxBytes     = 1 << 20 // 1MiB, matching the teacher pack's http tool cap
)

// PageFetcher downloads a URL and extracts its readable text, falling
// back to goldmark-rendered plain text when readability finds nothing
// usable (e.g. the page is already markdown-ish API documentation).
// Grounded on nevindra-oasis's tools/http.Tool.Fetch.
type PageFetcher struct {
	client *http.Client
}

// NewPageFetcher creates a fetcher with a 15-second timeout, matching
// the teacher pack's http tool.
func NewPageFetcher() *PageFetcher {
	return &PageFetcher{client: &http.Client{Timeout: 15 * time.Second}}
}

// Fetch returns a page's title and its text content split into lines.
func (f *PageFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("toolset: invalid URL %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; AgentRuntimeBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("toolset: fetch %q: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("toolset: %q returned HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, pageFetchMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("toolset: read %q: %w", rawURL, err)
	}

	parsedURL, _ := url.Parse(rawURL)
	text, title := extractText(body, parsedURL)

	return &Page{
		URL:   rawURL,
		Title: title,
		Lines: strings.Split(text, "\n"),
	}, nil
}

func extractText(body []byte, parsedURL *url.URL) (text, title string) {
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent), article.Title
	}

	// Fall back to rendering as markdown and stripping tags; this
	// handles plain-text/markdown documents readability isn't built
	// for (it expects HTML).
	var buf bytes.Buffer
	if err := goldmark.Convert(body, &buf); err == nil {
		return stripTags(buf.String()), ""
	}
	return string(body), ""
}

func stripTags(html string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}

// WebOpenTool implements web_open(id_or_url, start_line).
type WebOpenTool struct {
	fetcher *PageFetcher
	states  *BrowserStates
}

// NewWebOpenTool creates the web_open tool.
func NewWebOpenTool(fetcher *PageFetcher, states *BrowserStates) *WebOpenTool {
	return &WebOpenTool{fetcher: fetcher, states: states}
}

func (t *WebOpenTool) Name() string { return "web_open" }

func (t *WebOpenTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {
			"id_or_url": {"type": "string", "description": "a numbered result from the last web_search, or a raw URL"},
			"start_line": {"type": "integer", "description": "first line to show", "default": 0}
		},
		"required": ["id_or_url"]
	}`)
}

func (t *WebOpenTool) RequiresApproval() bool { return false }

func (t *WebOpenTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		IDOrURL   string `json:"id_or_url"`
		StartLine int    `json:"start_line"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("web_open: invalid arguments: %w", err)
	}

	runID := RunIDFromContext(ctx)
	state := t.states.get(runID)

	target := params.IDOrURL
	if rank, err := strconv.Atoi(params.IDOrURL); err == nil {
		result, ok := state.resultByRank(rank)
		if !ok {
			return "", fmt.Errorf("web_open: no search result numbered %d", rank)
		}
		target = result.URL
	}

	page, err := t.fetcher.Fetch(ctx, target)
	if err != nil {
		return "", err
	}
	state.push(page)

	return renderWindow(page, params.StartLine, webOpenLinesPerWindow), nil
}

func renderWindow(page *Page, start, size int) string {
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > len(page.Lines) {
		end = len(page.Lines)
	}
	if start >= end {
		return fmt.Sprintf("%s\n(no content at line %d)", page.Title, start)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n", page.Title, page.URL)
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d: %s\n", i, page.Lines[i])
	}
	return sb.String()
}

// WebFindTool implements web_find(pattern): a case-insensitive
// substring search over the current page's lines.
type WebFindTool struct {
	states *BrowserStates
}

// NewWebFindTool creates the web_find tool.
func NewWebFindTool(states *BrowserStates) *WebFindTool {
	return &WebFindTool{states: states}
}

func (t *WebFindTool) Name() string { return "web_find" }

func (t *WebFindTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "substring to search for on the current page"}
		},
		"required": ["pattern"]
	}`)
}

func (t *WebFindTool) RequiresApproval() bool { return false }

func (t *WebFindTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("web_find: invalid arguments: %w", err)
	}

	runID := RunIDFromContext(ctx)
	page := t.states.get(runID).top()
	if page == nil {
		return "", fmt.Errorf("web_find: no page open; call web_open first")
	}

	needle := strings.ToLower(params.Pattern)
	var sb strings.Builder
	matches := 0
	for i, line := range page.Lines {
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		if i > 0 {
			fmt.Fprintf(&sb, "%d: %s\n", i-1, page.Lines[i-1])
		}
		fmt.Fprintf(&sb, "%d: %s\n", i, line)
		if i+1 < len(page.Lines) {
			fmt.Fprintf(&sb, "%d: %s\n", i+1, page.Lines[i+1])
		}
		matches++
		if matches >= webFindMaxMatches {
			break
		}
	}
	if matches == 0 {
		return "no matches found", nil
	}
	return sb.String(), nil
}
