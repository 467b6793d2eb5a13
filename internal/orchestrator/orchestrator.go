// Package orchestrator is the Agent Orchestrator: the run loop that
// drives one Run to completion. It loads context, streams a model
// provider through an interleaved protocol of reasoning/tool-call/
// output events, executes tools (pausing for approval where a tool
// requires it), serializes the interleaving into a Content Builder
// transcript, and on close persists the turn via the Dual Writer and
// publishes the terminal event.
//
// Grounded on original_source's chat_agents/session_agent.py for the
// overall prepare/drive/finalize/error shape (there built on the
// OpenAI Agents SDK's Runner.run_streamed; here hand-rolled over
// internal/provider's normalized event channel since this runtime has
// no agent-framework dependency to delegate to), and on the teacher's
// internal/session.ActiveSessionManager.collectEvents for the
// event-loop-over-a-channel-with-a-done-signal idiom.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/oubliette/internal/approval"
	"github.com/HyphaGroup/oubliette/internal/chatcontext"
	"github.com/HyphaGroup/oubliette/internal/dualwriter"
	"github.com/HyphaGroup/oubliette/internal/eventbus"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/provider"
	"github.com/HyphaGroup/oubliette/internal/stream"
	"github.com/HyphaGroup/oubliette/internal/toolset"
	"github.com/HyphaGroup/oubliette/internal/transcript"
	"github.com/google/uuid"
)

// systemPreamble is the fixed capability/tone preface every agent's
// system prompt is built on top of, in the teacher pack's register:
// terse, imperative, no filler. Recent context is summarized and
// spliced in after it.
const systemPreamble = `You are a helpful assistant participating in a multi-user chat session.
You can see recent conversation history below. Use the available tools when they help you
answer accurately: search the web for information you don't have, open and read pages you find,
run code for calculations, or look up session members and message history. Keep replies concise
and cite tool results when you use them. Some tools pause for human approval before running;
if one is rejected, say so plainly and continue without it.`

// maxContextMessages is the default N of "up to N (default 30) recent
// context messages" the Prepare step loads.
const maxContextMessages = 30

// defaultMaxTokens bounds a single model turn.
const defaultMaxTokens = 4096

// ModelProvider is the subset of provider.Client the orchestrator
// needs, narrowed to an interface so tests can fake the model without
// a real Anthropic client.
type ModelProvider interface {
	Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error)
}

// AgentIdentity is the configured bot the orchestrator is driving:
// who it is (for attribution) and which model backs it.
type AgentIdentity struct {
	UserID      string
	Nickname    string
	Model       string
	Provider    string
	Description string
}

// Orchestrator wires together every subsystem a run touches.
type Orchestrator struct {
	bus       *eventbus.Bus
	loader    *chatcontext.Loader
	tools     *toolset.Registry
	approvals *approval.Store
	writer    *dualwriter.Writer
	model     ModelProvider
	registry  *stream.Registry
}

// New creates an Orchestrator.
func New(
	bus *eventbus.Bus,
	loader *chatcontext.Loader,
	tools *toolset.Registry,
	approvals *approval.Store,
	writer *dualwriter.Writer,
	model ModelProvider,
	registry *stream.Registry,
) *Orchestrator {
	return &Orchestrator{
		bus:       bus,
		loader:    loader,
		tools:     tools,
		approvals: approvals,
		writer:    writer,
		model:     model,
		registry:  registry,
	}
}

// toolCallRecord is one completed tool invocation, kept for the
// persisted message's {tool_calls[]} metadata.
type toolCallRecord struct {
	Name   string `json:"name"`
	Args   string `json:"args"`
	Result string `json:"result"`
}

// Run drives a single Run to completion: Prepare, Drive model,
// Finalize, or the Error path on any failure. It always removes the
// run from the registry before returning, on every exit path. Intended
// to be invoked in its own goroutine by the Trigger Surface, matching
// "each Run has its own orchestrator task."
func (o *Orchestrator) Run(ctx context.Context, run *stream.Run, agent AgentIdentity) {
	defer o.registry.Remove(run.ID)

	messageID := uuid.New().String()
	run.SetStatus(stream.StatusRunning)

	if _, err := o.bus.Publish(run.ChatSessionID, "agent_start", map[string]any{
		"message_id":     messageID,
		"run_id":         run.ID,
		"session_id":     run.ChatSessionID,
		"agent_user_id":  agent.UserID,
		"agent_nickname": agent.Nickname,
	}); err != nil {
		logger.Error("orchestrator: publish agent_start for run %s: %v", run.ID, err)
	}

	builder := &transcript.Builder{}
	toolCalls, err := o.drive(ctx, run, agent, messageID, builder)

	if run.Cancelled() {
		run.SetStatus(stream.StatusCancelled)
		if _, pubErr := o.bus.Publish(run.ChatSessionID, "cancelled", map[string]any{"run_id": run.ID}); pubErr != nil {
			logger.Error("orchestrator: publish cancelled for run %s: %v", run.ID, pubErr)
		}
		return
	}

	if err != nil {
		run.SetStatus(stream.StatusError)
		logger.Error("orchestrator: run %s failed: %v", run.ID, err)
		if _, pubErr := o.bus.Publish(run.ChatSessionID, "agent_error", map[string]any{
			"message_id": messageID,
			"error":      err.Error(),
		}); pubErr != nil {
			logger.Error("orchestrator: publish agent_error for run %s: %v", run.ID, pubErr)
		}
		return
	}

	o.finalize(ctx, run, agent, messageID, builder, toolCalls)
}

// drive runs Prepare and the model-driving loop, returning the
// completed tool call records for Finalize's metadata.
func (o *Orchestrator) drive(
	ctx context.Context,
	run *stream.Run,
	agent AgentIdentity,
	messageID string,
	builder *transcript.Builder,
) ([]toolCallRecord, error) {
	system, err := o.buildSystemPrompt(ctx, run.ChatSessionID, agent)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}

	req := provider.Request{
		Model:     agent.Model,
		System:    system,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: run.Input}},
		Tools:     toolDefs(o.tools),
		MaxTokens: defaultMaxTokens,
	}

	events, err := o.model.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}

	var toolCalls []toolCallRecord
	var openToolName, openToolArgs string

	for {
		if run.Cancelled() {
			return toolCalls, nil
		}

		select {
		case <-run.Done():
			return toolCalls, nil
		case ev, ok := <-events:
			if !ok {
				return toolCalls, nil
			}

			switch ev.Kind {
			case provider.EventReasoningDelta:
				o.emitPartSeparator(run.ChatSessionID, messageID, builder, transcript.PartThink)
				builder.AddThinking(ev.Text)
				o.publishContentDelta(run.ChatSessionID, messageID, ev.Text, "think")

			case provider.EventTextDelta:
				o.emitPartSeparator(run.ChatSessionID, messageID, builder, transcript.PartText)
				builder.AddText(ev.Text)
				o.publishContentDelta(run.ChatSessionID, messageID, ev.Text, "text")

			case provider.EventToolCallOpened:
				o.emitPartSeparator(run.ChatSessionID, messageID, builder, transcript.PartToolCall)
				openToolName = ev.ToolName
				tag := builder.StartToolCall(ev.ToolName, "")
				o.publishContentDelta(run.ChatSessionID, messageID, tag, "tool_call")

			case provider.EventToolArgsDelta:
				openToolArgs += ev.ArgsDelta
				builder.AppendToolArgs(ev.ArgsDelta)
				o.publishContentDelta(run.ChatSessionID, messageID, ev.ArgsDelta, "tool_args")

			case provider.EventToolCallReady:
				openToolName = ev.ToolName
				openToolArgs = ev.FullArgs
				closeTag := builder.EndToolCall()
				o.publishContentDelta(run.ChatSessionID, messageID, closeTag, "tool_result")

				run.SetStatus(stream.StatusAwaitingApproval)
				result := o.executeTool(ctx, run, openToolName, openToolArgs)
				run.SetStatus(stream.StatusRunning)

				o.emitPartSeparator(run.ChatSessionID, messageID, builder, transcript.PartToolResult)
				resultTag := builder.AddToolResult(openToolName, result, "completed")
				o.publishContentDelta(run.ChatSessionID, messageID, resultTag, "tool_result")

				toolCalls = append(toolCalls, toolCallRecord{Name: openToolName, Args: openToolArgs, Result: result})
				openToolName, openToolArgs = "", ""

			case provider.EventDone:
				return toolCalls, nil

			case provider.EventError:
				return toolCalls, fmt.Errorf("model stream: %w", ev.Err)
			}
		}
	}
}

// executeTool dispatches a completed tool call by name. A tool that
// requires approval handles its own Create/Wait sequence internally
// (internal/toolset.CodeExecuteTool does this); the orchestrator only
// needs to look the tool up, scope the context, and run it. Unknown
// tool names and execution errors both surface as the tool's result
// text rather than failing the run, matching "multiple tool calls
// within one model turn are executed in the order issued" without the
// whole turn aborting on one tool's failure.
func (o *Orchestrator) executeTool(ctx context.Context, run *stream.Run, name, args string) string {
	tool, ok := o.tools.Get(name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", name)
	}

	scoped := toolset.WithRunScope(ctx, run.ID, run.UserID, run.ChatSessionID)
	result, err := tool.Execute(scoped, json.RawMessage(args))
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

// buildSystemPrompt assembles the system prompt: the fixed preamble,
// then a summarized window of recent context messages.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context, sessionID string, agent AgentIdentity) (string, error) {
	msgs, err := o.loader.GetContext(ctx, sessionID, maxContextMessages)
	if err != nil {
		return "", fmt.Errorf("load context: %w", err)
	}
	summarized := chatcontext.Summarize(msgs)

	var sb strings.Builder
	sb.WriteString(systemPreamble)
	if agent.Description != "" {
		sb.WriteString("\n\nYour role: ")
		sb.WriteString(agent.Description)
	}
	if len(summarized) > 0 {
		sb.WriteString("\n\nRecent conversation:\n")
		for _, m := range summarized {
			sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", m.CreateTime.Format(time.RFC3339), m.Nickname, m.Content))
		}
	}
	return sb.String(), nil
}

// finalize persists the completed transcript and publishes agent_done,
// matching "call Dual Writer.write_agent_message(..., wait_db=true)"
// then "publish agent_done strictly after the row has been committed."
func (o *Orchestrator) finalize(
	ctx context.Context,
	run *stream.Run,
	agent AgentIdentity,
	messageID string,
	builder *transcript.Builder,
	toolCalls []toolCallRecord,
) {
	finalContent := builder.ToString()
	textOnly := builder.GetTextOnly()
	if finalContent == "" {
		finalContent = textOnly
	}

	calls := make([]map[string]string, 0, len(toolCalls))
	for _, tc := range toolCalls {
		calls = append(calls, map[string]string{"name": tc.Name, "args": tc.Args, "result": tc.Result})
	}

	err := o.writer.WriteAgentMessage(ctx, dualwriter.AgentMessage{
		MessageID: messageID,
		SessionID: run.ChatSessionID,
		UserID:    agent.UserID,
		Content:   finalContent,
		Metadata: map[string]any{
			"model":      agent.Model,
			"provider":   agent.Provider,
			"tool_calls": calls,
			"run_id":     run.ID,
		},
	}, agent.Nickname, true)
	if err != nil {
		run.SetStatus(stream.StatusError)
		logger.Error("orchestrator: persist run %s: %v", run.ID, err)
		if _, pubErr := o.bus.Publish(run.ChatSessionID, "agent_error", map[string]any{
			"message_id": messageID,
			"error":      err.Error(),
		}); pubErr != nil {
			logger.Error("orchestrator: publish agent_error for run %s: %v", run.ID, pubErr)
		}
		return
	}

	run.SetStatus(stream.StatusDone)
	if _, pubErr := o.bus.Publish(run.ChatSessionID, "agent_done", map[string]any{
		"message_id":    messageID,
		"run_id":        run.ID,
		"session_id":    run.ChatSessionID,
		"agent_user_id": agent.UserID,
		"final_content": finalContent,
	}); pubErr != nil {
		logger.Error("orchestrator: publish agent_done for run %s: %v", run.ID, pubErr)
	}
}

// emitPartSeparator publishes the "\n\n" content_delta that
// transcript.Builder.ToString will insert between this about-to-open
// part and whatever came before it, if anything did. Keeping this on
// the wire (rather than folding it into the part's own delta) is what
// makes concatenating every content_delta between agent_start and
// agent_done reproduce ToString byte-for-byte: the builder's own
// per-part deltas never carry the blank line themselves.
func (o *Orchestrator) emitPartSeparator(sessionID, messageID string, builder *transcript.Builder, newKind transcript.PartKind) {
	if !builder.HasContent() {
		return
	}
	if openKind, open := builder.OpenKind(); open && openKind == newKind {
		return
	}
	o.publishContentDelta(sessionID, messageID, "\n\n", "separator")
}

func (o *Orchestrator) publishContentDelta(sessionID, messageID, delta, partType string) {
	if _, err := o.bus.Publish(sessionID, "content_delta", map[string]any{
		"message_id": messageID,
		"delta":      delta,
		"part_type":  partType,
	}); err != nil {
		logger.Error("orchestrator: publish content_delta on session %s: %v", sessionID, err)
	}
}

// toolDefs converts the registered tool set into the provider's tool
// catalog shape.
func toolDefs(tools *toolset.Registry) []provider.ToolDef {
	defs := tools.Definitions()
	out := make([]provider.ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolDef{Name: d.Name, Schema: d.Schema})
	}
	return out
}
