package toolset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebOpenTool_Execute_FetchesRawURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Example</title></head><body><article><p>line one</p><p>line two</p></article></body></html>`))
	}))
	defer srv.Close()

	states := NewBrowserStates()
	tool := NewWebOpenTool(NewPageFetcher(), states)

	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")
	args, _ := json.Marshal(map[string]any{"id_or_url": srv.URL})
	out, err := tool.Execute(ctx, args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out, "line one") {
		t.Fatalf("Execute() output missing extracted content: %q", out)
	}

	if states.get("run-1").top() == nil {
		t.Fatalf("web_open did not push a page onto the run's browser state")
	}
}

func TestWebOpenTool_Execute_ResolvesSearchResultRank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><article><p>content</p></article></body></html>`))
	}))
	defer srv.Close()

	states := NewBrowserStates()
	states.get("run-1").setLastSearch([]SearchResult{{Rank: 1, URL: srv.URL, Title: "t"}})
	tool := NewWebOpenTool(NewPageFetcher(), states)

	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")
	args, _ := json.Marshal(map[string]any{"id_or_url": "1"})
	out, err := tool.Execute(ctx, args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out, "content") {
		t.Fatalf("Execute() did not resolve the numbered result to its URL: %q", out)
	}
}

func TestWebOpenTool_Execute_UnknownRankErrors(t *testing.T) {
	tool := NewWebOpenTool(NewPageFetcher(), NewBrowserStates())
	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")
	args, _ := json.Marshal(map[string]any{"id_or_url": "5"})
	if _, err := tool.Execute(ctx, args); err == nil {
		t.Fatalf("expected error for unknown search result rank")
	}
}

func TestRenderWindow_ClampsToPageBounds(t *testing.T) {
	page := &Page{Title: "T", URL: "http://x", Lines: []string{"a", "b", "c"}}
	out := renderWindow(page, 0, 2)
	if !strings.Contains(out, "0: a") || !strings.Contains(out, "1: b") || strings.Contains(out, "2: c") {
		t.Fatalf("renderWindow(0,2) = %q", out)
	}
}

func TestRenderWindow_PastEndReturnsNoContentMarker(t *testing.T) {
	page := &Page{Title: "T", URL: "http://x", Lines: []string{"a"}}
	out := renderWindow(page, 10, 2)
	if !strings.Contains(out, "no content") {
		t.Fatalf("renderWindow() past end = %q, want no-content marker", out)
	}
}

func TestWebFindTool_Execute_FindsMatchWithContext(t *testing.T) {
	states := NewBrowserStates()
	states.get("run-1").push(&Page{
		URL:   "http://x",
		Title: "T",
		Lines: []string{"before", "needle here", "after"},
	})
	tool := NewWebFindTool(states)

	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")
	args, _ := json.Marshal(map[string]any{"pattern": "NEEDLE"})
	out, err := tool.Execute(ctx, args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out, "before") || !strings.Contains(out, "needle here") || !strings.Contains(out, "after") {
		t.Fatalf("Execute() missing context lines: %q", out)
	}
}

func TestWebFindTool_Execute_NoPageOpenErrors(t *testing.T) {
	tool := NewWebFindTool(NewBrowserStates())
	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")
	args, _ := json.Marshal(map[string]any{"pattern": "x"})
	if _, err := tool.Execute(ctx, args); err == nil {
		t.Fatalf("expected error when no page has been opened")
	}
}

func TestWebFindTool_Execute_NoMatches(t *testing.T) {
	states := NewBrowserStates()
	states.get("run-1").push(&Page{URL: "http://x", Title: "T", Lines: []string{"nothing relevant"}})
	tool := NewWebFindTool(states)

	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")
	args, _ := json.Marshal(map[string]any{"pattern": "zzz"})
	out, err := tool.Execute(ctx, args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "no matches found" {
		t.Fatalf("Execute() = %q, want no-matches message", out)
	}
}
