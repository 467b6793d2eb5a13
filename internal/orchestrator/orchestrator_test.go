package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/oubliette/internal/approval"
	"github.com/HyphaGroup/oubliette/internal/cache"
	"github.com/HyphaGroup/oubliette/internal/chatcontext"
	"github.com/HyphaGroup/oubliette/internal/dbstore"
	"github.com/HyphaGroup/oubliette/internal/dualwriter"
	"github.com/HyphaGroup/oubliette/internal/eventbus"
	"github.com/HyphaGroup/oubliette/internal/provider"
	"github.com/HyphaGroup/oubliette/internal/stream"
	"github.com/HyphaGroup/oubliette/internal/toolset"
	"github.com/google/jsonschema-go/jsonschema"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Options{Address: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Skipf("no redis reachable at 127.0.0.1:6379: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestStore(t *testing.T) *dbstore.Store {
	t.Helper()
	s, err := dbstore.Open(t.TempDir(), "agent.db")
	if err != nil {
		t.Fatalf("dbstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// echoTool is a minimal tool that returns its input verbatim, used to
// exercise the tool-call branch of the drive loop without a real
// sandbox or network call.
type echoTool struct{}

func (echoTool) Name() string { return "echo" }
func (echoTool) Schema() *jsonschema.Schema {
	var s jsonschema.Schema
	_ = json.Unmarshal([]byte(`{"type":"object","properties":{"text":{"type":"string"}}}`), &s)
	return &s
}
func (echoTool) RequiresApproval() bool { return false }
func (echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &params)
	return "echo: " + params.Text, nil
}

// fakeModel replays a fixed sequence of events regardless of the
// request, enough to drive the orchestrator's full loop once.
type fakeModel struct {
	events []provider.Event
}

func (f *fakeModel) Stream(_ context.Context, _ provider.Request) (<-chan provider.Event, error) {
	out := make(chan provider.Event, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func newTestOrchestrator(t *testing.T, model ModelProvider) (*Orchestrator, *stream.Registry, *eventbus.Bus) {
	t.Helper()
	c := newTestCache(t)
	store := newTestStore(t)
	loader := chatcontext.New(c, store, 30, time.Minute)
	bus := eventbus.New(64)
	approvals := approval.New(bus, time.Second, time.Minute)
	writer := dualwriter.New(loader, store)
	t.Cleanup(writer.Close)
	registry := stream.New(time.Minute)
	tools := toolset.NewRegistry(echoTool{})

	return New(bus, loader, tools, approvals, writer, model, registry), registry, bus
}

func drainFrames(sub *eventbus.Subscription, n int, timeout time.Duration) [][]byte {
	var out [][]byte
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case f := <-sub.Frames:
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestOrchestrator_Run_TextOnlyCompletesSuccessfully(t *testing.T) {
	model := &fakeModel{events: []provider.Event{
		{Kind: provider.EventTextDelta, Text: "hello "},
		{Kind: provider.EventTextDelta, Text: "world"},
		{Kind: provider.EventDone, InputTokens: 3, OutputTokens: 2},
	}}
	orch, registry, bus := newTestOrchestrator(t, model)

	sub, err := bus.Subscribe("sess-1", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	run, ctx := registry.Create("run-1", "user-1", "sess-1", "agent-1", "hi there")
	orch.Run(ctx, run, AgentIdentity{UserID: "agent-1", Nickname: "Helper", Model: "claude-sonnet-4-20250514", Provider: "anthropic"})

	if run.Status() != stream.StatusDone {
		t.Fatalf("run.Status() = %s, want done", run.Status())
	}
	if _, ok := registry.Get("run-1"); ok {
		t.Fatalf("run-1 should have been removed from registry on exit")
	}

	frames := drainFrames(sub, 5, time.Second)
	foundStart, foundDone := false, false
	for _, f := range frames {
		s := string(f)
		if contains(s, "agent_start") {
			foundStart = true
		}
		if contains(s, "agent_done") && contains(s, "hello world") {
			foundDone = true
		}
	}
	if !foundStart {
		t.Errorf("expected an agent_start frame, frames=%v", asStrings(frames))
	}
	if !foundDone {
		t.Errorf("expected an agent_done frame with final content, frames=%v", asStrings(frames))
	}
}

func TestOrchestrator_Run_ToolCallExecutesAndAppendsResult(t *testing.T) {
	model := &fakeModel{events: []provider.Event{
		{Kind: provider.EventToolCallOpened, ToolID: "t1", ToolName: "echo"},
		{Kind: provider.EventToolArgsDelta, ToolID: "t1", ArgsDelta: `{"text":"hi"}`},
		{Kind: provider.EventToolCallReady, ToolID: "t1", ToolName: "echo", FullArgs: `{"text":"hi"}`},
		{Kind: provider.EventTextDelta, Text: "done"},
		{Kind: provider.EventDone},
	}}
	orch, registry, bus := newTestOrchestrator(t, model)

	sub, err := bus.Subscribe("sess-2", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	run, ctx := registry.Create("run-2", "user-1", "sess-2", "agent-1", "use the tool")
	orch.Run(ctx, run, AgentIdentity{UserID: "agent-1", Nickname: "Helper", Model: "claude-sonnet-4-20250514"})

	if run.Status() != stream.StatusDone {
		t.Fatalf("run.Status() = %s, want done", run.Status())
	}

	frames := drainFrames(sub, 10, time.Second)
	foundToolResult := false
	for _, f := range frames {
		if contains(string(f), "echo: hi") {
			foundToolResult = true
		}
	}
	if !foundToolResult {
		t.Errorf("expected a content_delta frame carrying the tool result, frames=%v", asStrings(frames))
	}

	assertDeltaConcatenationMatchesFinalContent(t, frames)
}

// assertDeltaConcatenationMatchesFinalContent is the multi-part check
// the spec's "Delta/persist agreement" invariant asks for: every
// content_delta published between agent_start and agent_done, joined
// in order, must equal the final_content the agent_done frame
// carries (and therefore what the Dual Writer persisted), not just a
// substring match on a couple of frames.
func assertDeltaConcatenationMatchesFinalContent(t *testing.T, frames [][]byte) {
	t.Helper()

	var concatenated strings.Builder
	var finalContent string
	sawDone := false

	for _, f := range frames {
		kind, payload, ok := parseSSEFrame(f)
		if !ok {
			continue
		}
		switch kind {
		case "content_delta":
			var body struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				t.Fatalf("decode content_delta payload: %v", err)
			}
			concatenated.WriteString(body.Delta)
		case "agent_done":
			var body struct {
				FinalContent string `json:"final_content"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				t.Fatalf("decode agent_done payload: %v", err)
			}
			finalContent = body.FinalContent
			sawDone = true
		}
	}

	if !sawDone {
		t.Fatal("no agent_done frame found among drained frames")
	}
	if got := concatenated.String(); got != finalContent {
		t.Errorf("concatenated content_delta.delta = %q, want it to equal agent_done.final_content %q", got, finalContent)
	}
}

// parseSSEFrame extracts the event kind and JSON data from one "event:
// ...\ndata: ...\n\n" frame (the id: line, if present, is ignored).
func parseSSEFrame(frame []byte) (kind string, payload []byte, ok bool) {
	lines := strings.Split(strings.TrimRight(string(frame), "\n"), "\n")
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	return kind, payload, kind != "" && payload != nil
}

func TestOrchestrator_Run_CancelledBeforeStreamPublishesCancelled(t *testing.T) {
	model := &fakeModel{events: []provider.Event{
		{Kind: provider.EventTextDelta, Text: "should not be seen"},
		{Kind: provider.EventDone},
	}}
	orch, registry, bus := newTestOrchestrator(t, model)

	sub, err := bus.Subscribe("sess-3", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	run, ctx := registry.Create("run-3", "user-1", "sess-3", "agent-1", "hi")
	if err := registry.Cancel("run-3"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	orch.Run(ctx, run, AgentIdentity{UserID: "agent-1", Nickname: "Helper", Model: "m"})

	if run.Status() != stream.StatusCancelled {
		t.Fatalf("run.Status() = %s, want cancelled", run.Status())
	}

	frames := drainFrames(sub, 3, time.Second)
	foundCancelled := false
	for _, f := range frames {
		if contains(string(f), "cancelled") {
			foundCancelled = true
		}
	}
	if !foundCancelled {
		t.Errorf("expected a cancelled frame, frames=%v", asStrings(frames))
	}
}

func TestOrchestrator_Run_ProviderErrorPublishesAgentError(t *testing.T) {
	model := &fakeModel{events: []provider.Event{
		{Kind: provider.EventTextDelta, Text: "partial"},
		{Kind: provider.EventError, Err: errBoom},
	}}
	orch, registry, bus := newTestOrchestrator(t, model)

	sub, err := bus.Subscribe("sess-4", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	run, ctx := registry.Create("run-4", "user-1", "sess-4", "agent-1", "hi")
	orch.Run(ctx, run, AgentIdentity{UserID: "agent-1", Nickname: "Helper", Model: "m"})

	if run.Status() != stream.StatusError {
		t.Fatalf("run.Status() = %s, want error", run.Status())
	}

	frames := drainFrames(sub, 4, time.Second)
	foundError := false
	for _, f := range frames {
		if contains(string(f), "agent_error") {
			foundError = true
		}
	}
	if !foundError {
		t.Errorf("expected an agent_error frame, frames=%v", asStrings(frames))
	}
}

var errBoom = errors.New("boom")

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func asStrings(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f)
	}
	return out
}
