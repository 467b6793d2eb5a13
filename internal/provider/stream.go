package provider

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// processStream consumes Anthropic's SSE stream and emits normalized
// events, accumulating a tool call's streamed argument fragments
// until the block closes. Grounded method-for-method on
// haasonsaas-nexus's AnthropicProvider.processStream.
func processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- Event) {
	defer close(events)

	var inThinking bool
	var openToolID, openToolName string
	var toolArgs strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
			case "tool_use":
				toolUse := block.AsToolUse()
				openToolID = toolUse.ID
				openToolName = toolUse.Name
				toolArgs.Reset()
				events <- Event{Kind: EventToolCallOpened, ToolID: openToolID, ToolName: openToolName}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- Event{Kind: EventTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- Event{Kind: EventReasoningDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolArgs.WriteString(delta.PartialJSON)
					events <- Event{Kind: EventToolArgsDelta, ToolID: openToolID, ArgsDelta: delta.PartialJSON}
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
			} else if openToolID != "" {
				events <- Event{
					Kind:     EventToolCallReady,
					ToolID:   openToolID,
					ToolName: openToolName,
					FullArgs: toolArgs.String(),
				}
				openToolID = ""
				openToolName = ""
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			events <- Event{Kind: EventDone, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			events <- Event{Kind: EventError, Err: errStreamFailed}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- Event{Kind: EventError, Err: err}
	}
}
