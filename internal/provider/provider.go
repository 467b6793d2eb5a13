// Package provider wraps anthropic-sdk-go's streaming Messages API
// into the normalized event stream the Agent Orchestrator drives:
// reasoning deltas, text deltas, tool call open/arg/close, and a
// terminal done/error event. The orchestrator never sees Anthropic's
// own SSE event shapes.
//
// Grounded on haasonsaas-nexus's internal/agent/providers/anthropic.go:
// the same client construction (api key + optional base URL via
// option.WithAPIKey/option.WithBaseURL), the same event-type switch
// over message_start/content_block_start/content_block_delta/
// content_block_stop/message_delta/message_stop/error, and the same
// accumulate-then-emit handling of streamed tool call arguments.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/google/jsonschema-go/jsonschema"
)

// errStreamFailed is returned when Anthropic sends an in-band "error"
// SSE event; the event itself carries no structured payload worth
// preserving beyond this sentinel.
var errStreamFailed = errors.New("provider: upstream model stream error")

// Role is a conversation message's speaker, following Anthropic's
// two-role model (system prompt is passed separately).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation handed to the model, already
// flattened to plain text by the caller (the Context Loader's
// summarization and the Content Builder's to_string()/get_text_only()
// do the structuring; the provider layer only forwards role+text).
type Message struct {
	Role    Role
	Content string
}

// ToolDef is a tool's name, description, and schema as the provider
// needs to advertise it to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Request is one streaming chat-completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// EventKind discriminates the normalized stream events the
// orchestrator switches on.
type EventKind string

const (
	EventReasoningDelta EventKind = "reasoning_delta"
	EventTextDelta      EventKind = "text_delta"
	EventToolCallOpened EventKind = "tool_call_opened"
	EventToolArgsDelta  EventKind = "tool_args_delta"
	EventToolCallReady  EventKind = "tool_call_ready"
	EventDone           EventKind = "done"
	EventError          EventKind = "error"
)

// Event is one normalized stream event.
type Event struct {
	Kind EventKind

	// Text carries reasoning/output text for EventReasoningDelta and
	// EventTextDelta.
	Text string

	// Tool fields are set for the tool_call_* kinds.
	ToolID   string
	ToolName string
	// ArgsDelta is the incremental JSON fragment for EventToolArgsDelta.
	ArgsDelta string
	// FullArgs is the complete accumulated argument JSON, only set on
	// EventToolCallReady.
	FullArgs string

	// InputTokens/OutputTokens are set on EventDone.
	InputTokens  int
	OutputTokens int

	// Err is set on EventError.
	Err error
}

// Client is a thin wrapper around anthropic-sdk-go's client, scoped to
// the single streaming call this runtime needs.
type Client struct {
	sdk          anthropic.Client
	defaultModel string
}

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New creates a Client. DefaultModel falls back to a current Sonnet
// model if unset.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Client{sdk: anthropic.NewClient(opts...), defaultModel: model}, nil
}

// Stream opens a streaming chat-completion call and returns a channel
// of normalized events. The channel is closed when the stream ends,
// whether by completion, error, or context cancellation.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("provider: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)

	events := make(chan Event)
	go processStream(stream, events)
	return events, nil
}

func convertMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func convertTools(defs []ToolDef) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		raw, err := json.Marshal(d.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", d.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("convert schema for %s: %w", d.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(d.Description)
		}
		out = append(out, toolParam)
	}
	return out, nil
}
