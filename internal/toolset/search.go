package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// searchResultLimit is the hard ceiling on topn regardless of what the
// caller asks for.
const searchResultLimit = 10

// SearchClient calls an external search API and returns ranked
// results. Grounded on nevindra-oasis's http tool's client shape (a
// single *http.Client with a fixed timeout); the endpoint is whatever
// search backend the deployment configures, not a specific vendor.
type SearchClient struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewSearchClient creates a client against a JSON search endpoint
// expected to return `[{"title":...,"url":...,"snippet":...}, ...]`.
func NewSearchClient(endpoint, apiKey string) *SearchClient {
	return &SearchClient{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

type searchAPIResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Search queries the backend and returns up to topN ranked results.
func (c *SearchClient) Search(ctx context.Context, query string, topN int) ([]SearchResult, error) {
	if topN <= 0 || topN > searchResultLimit {
		topN = searchResultLimit
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("toolset: invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", topN))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("toolset: build search request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("toolset: search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("toolset: search backend returned %d", resp.StatusCode)
	}

	var raw []searchAPIResult
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("toolset: decode search response: %w", err)
	}

	if len(raw) > topN {
		raw = raw[:topN]
	}
	out := make([]SearchResult, len(raw))
	for i, r := range raw {
		out[i] = SearchResult{Rank: i + 1, Title: r.Title, URL: r.URL, Snippet: r.Snippet}
	}
	return out, nil
}

// WebSearchTool implements web_search(query, topn<=10).
type WebSearchTool struct {
	search *SearchClient
	states *BrowserStates
}

// NewWebSearchTool creates the web_search tool.
func NewWebSearchTool(search *SearchClient, states *BrowserStates) *WebSearchTool {
	return &WebSearchTool{search: search, states: states}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "search query"},
			"topn": {"type": "integer", "description": "number of results, max 10", "default": 10}
		},
		"required": ["query"]
	}`)
}

func (t *WebSearchTool) RequiresApproval() bool { return false }

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		TopN  int    `json:"topn"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("web_search: invalid arguments: %w", err)
	}

	results, err := t.search.Search(ctx, params.Query, params.TopN)
	if err != nil {
		return "", err
	}

	runID := RunIDFromContext(ctx)
	t.states.get(runID).setLastSearch(results)

	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", r.Rank, r.Title, r.URL, r.Snippet)
	}
	if sb.Len() == 0 {
		return "no results found", nil
	}
	return sb.String(), nil
}
