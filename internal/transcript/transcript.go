// Package transcript is the Content Builder: a stateful accumulator
// for one run's structured output. Every append method returns the
// exact delta the caller must broadcast over SSE, so the wire format
// and the persisted form (ToString) stay byte-identical.
//
// Grounded on original_source's runtime/content_builder.py, translated
// part-for-part: the same four part kinds, the same tag grammar, the
// same single-quote escaping in tool-call arguments, the same 2000
// character truncation on tool results.
package transcript

import (
	"fmt"
	"strings"
)

// PartKind is one of the four structured transcript part kinds.
type PartKind string

const (
	PartThink      PartKind = "think"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
	PartText       PartKind = "text"
)

// toolResultLimit bounds a tool result's displayed length before it is
// written into the transcript.
const toolResultLimit = 2000

type part struct {
	kind    PartKind
	content string
}

// Builder accumulates one run's transcript. The zero value is ready to
// use. Not safe for concurrent use; callers serialize access (a run
// has exactly one orchestrator goroutine writing to its builder).
type Builder struct {
	parts   []part
	current PartKind
	open    bool
}

// AddThinking appends to the open think part, or opens a new one if
// the most recently opened part isn't a think part. Returns the delta
// to stream.
func (b *Builder) AddThinking(delta string) string {
	if b.open && b.current == PartThink {
		b.parts[len(b.parts)-1].content += delta
		return delta
	}
	b.current = PartThink
	b.open = true
	b.parts = append(b.parts, part{kind: PartThink, content: delta})
	return delta
}

// StartToolCall opens a tool_call part with the literal
// `<tool-call name="NAME" arguments='ARGS'>` tag, escaping single
// quotes inside arguments. Returns the tag.
func (b *Builder) StartToolCall(name, arguments string) string {
	b.current = PartToolCall
	b.open = true
	escaped := strings.ReplaceAll(arguments, "'", "\\'")
	tag := fmt.Sprintf(`<tool-call name="%s" arguments='%s'>`, name, escaped)
	b.parts = append(b.parts, part{kind: PartToolCall, content: tag})
	return tag
}

// AppendToolArgs appends raw argument bytes to the currently open
// tool_call part, for streamed tool-call arguments. A no-op if no
// tool_call part is open.
func (b *Builder) AppendToolArgs(delta string) string {
	if n := len(b.parts); n > 0 && b.parts[n-1].kind == PartToolCall {
		b.parts[n-1].content += delta
	}
	return delta
}

// EndToolCall closes the open tool_call part with `</tool-call>`.
func (b *Builder) EndToolCall() string {
	const tag = "</tool-call>"
	if n := len(b.parts); n > 0 && b.parts[n-1].kind == PartToolCall {
		b.parts[n-1].content += tag
	}
	b.open = false
	return tag
}

// AddToolResult appends a complete tool_result part: `<tool-result
// name="NAME" status="STATUS">\n...\n</tool-result>`, truncating the
// result to toolResultLimit characters. Returns the full tag.
func (b *Builder) AddToolResult(name, result, status string) string {
	b.current = PartToolResult
	b.open = false

	display := result
	if r := []rune(result); len(r) > toolResultLimit {
		display = string(r[:toolResultLimit])
	}

	tag := fmt.Sprintf("<tool-result name=\"%s\" status=\"%s\">\n%s\n</tool-result>", name, status, display)
	b.parts = append(b.parts, part{kind: PartToolResult, content: tag})
	return tag
}

// AddText appends to the open text part, or opens a new one. Returns
// the delta to stream.
func (b *Builder) AddText(delta string) string {
	if b.open && b.current == PartText {
		b.parts[len(b.parts)-1].content += delta
		return delta
	}
	b.current = PartText
	b.open = true
	b.parts = append(b.parts, part{kind: PartText, content: delta})
	return delta
}

// ToString returns the full persisted form: every part's rendered
// content joined by a blank line, think parts wrapped in
// `<think>...</think>`. This is what gets written to the message
// table's content column.
func (b *Builder) ToString() string {
	sections := make([]string, 0, len(b.parts))
	for _, p := range b.parts {
		if p.kind == PartThink {
			sections = append(sections, fmt.Sprintf("<think>\n%s\n</think>", p.content))
			continue
		}
		sections = append(sections, p.content)
	}
	return strings.Join(sections, "\n\n")
}

// GetTextOnly returns the concatenation of text parts only, a
// degenerate final answer for clients that want prose without the
// structured tags.
func (b *Builder) GetTextOnly() string {
	var sb strings.Builder
	for _, p := range b.parts {
		if p.kind == PartText {
			sb.WriteString(p.content)
		}
	}
	return sb.String()
}

// HasContent reports whether anything has been appended yet.
func (b *Builder) HasContent() bool {
	return len(b.parts) > 0
}

// OpenKind returns the kind of the part a subsequent same-kind Add
// call would append to, and whether one is currently open. Callers
// use this to detect part-boundary transitions before they happen, so
// a "\n\n" section separator can be streamed at the same point
// ToString will later insert one — without this, the concatenation of
// streamed deltas drifts apart from the persisted, blank-line-joined
// form on any run with more than one part.
func (b *Builder) OpenKind() (PartKind, bool) {
	return b.current, b.open
}
