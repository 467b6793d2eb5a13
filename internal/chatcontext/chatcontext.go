// Package chatcontext is the Context Loader: cache-then-database reads
// of a chat session's recent message history, with write-through
// repopulation on a cache miss and transcript summarization for
// injecting older agent turns back into a prompt without blowing up
// context size.
//
// Grounded on original_source's runtime/context_manager.py: cache-first
// with TTL refresh on hit, MySQL fallback reversed to oldest-first with
// file-content substitution (here delegated to internal/dbstore, which
// already applies that normalization), and the same summarization
// rules for re-injected agent transcripts.
package chatcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/HyphaGroup/oubliette/internal/cache"
	"github.com/HyphaGroup/oubliette/internal/dbstore"
)

// DefaultWindowSize is the default number of messages kept in a
// session's context window, matching the orchestrator's default
// history load ("up to N (default 30)").
const DefaultWindowSize = 30

// DefaultTTL is the cache TTL for a session's context window.
const DefaultTTL = 24 * time.Hour

// summaryCharLimit bounds a summarized message's injected length.
const summaryCharLimit = 420

// Loader is the Context Loader.
type Loader struct {
	cache      *cache.Cache
	store      *dbstore.Store
	windowSize int
	ttl        time.Duration
}

// New creates a Context Loader. windowSize of 0 uses DefaultWindowSize;
// ttl of 0 uses DefaultTTL.
func New(c *cache.Cache, store *dbstore.Store, windowSize int, ttl time.Duration) *Loader {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Loader{cache: c, store: store, windowSize: windowSize, ttl: ttl}
}

// GetContext returns up to limit of a session's most recent messages,
// oldest-first. It reads the cache list first; on a non-empty hit it
// refreshes the TTL and returns directly. On a miss it falls back to
// the database, then atomically repopulates the cache list so the
// next call hits.
func (l *Loader) GetContext(ctx context.Context, sessionID string, limit int) ([]dbstore.Message, error) {
	key := cache.ContextKey(sessionID)

	raw, err := l.cache.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("chatcontext: read cache list: %w", err)
	}
	if len(raw) > 0 {
		msgs := make([]dbstore.Message, 0, len(raw))
		for _, r := range raw {
			var m dbstore.Message
			if err := json.Unmarshal(r, &m); err != nil {
				return nil, fmt.Errorf("chatcontext: decode cached message: %w", err)
			}
			msgs = append(msgs, m)
		}
		_ = l.cache.Expire(ctx, key, l.ttl)
		return clampTail(msgs, limit), nil
	}

	msgs, err := l.store.RecentMessages(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("chatcontext: load from database: %w", err)
	}

	if err := l.replaceCacheList(ctx, key, msgs); err != nil {
		return nil, fmt.Errorf("chatcontext: repopulate cache: %w", err)
	}

	return msgs, nil
}

// replaceCacheList deletes the existing cache list and rewrites it in
// one pass, the "delete + rpush all" atomicity the spec calls for.
func (l *Loader) replaceCacheList(ctx context.Context, key string, msgs []dbstore.Message) error {
	if err := l.cache.Delete(ctx, key); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, len(msgs))
	for i, m := range msgs {
		values[i] = m
	}
	return l.cache.RPush(ctx, key, l.ttl, values...)
}

// AddMessage appends a message to a session's cache list and trims
// from the head when the window is exceeded.
func (l *Loader) AddMessage(ctx context.Context, sessionID string, m dbstore.Message) error {
	key := cache.ContextKey(sessionID)
	if err := l.cache.RPush(ctx, key, l.ttl, m); err != nil {
		return fmt.Errorf("chatcontext: append message: %w", err)
	}

	n, err := l.cache.LLen(ctx, key)
	if err != nil {
		return fmt.Errorf("chatcontext: length check: %w", err)
	}
	if n > int64(l.windowSize) {
		if err := l.cache.LTrim(ctx, key, n-int64(l.windowSize), -1); err != nil {
			return fmt.Errorf("chatcontext: trim window: %w", err)
		}
	}
	return nil
}

func clampTail(msgs []dbstore.Message, limit int) []dbstore.Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

// Summarize returns a copy of messages with agent-authored entries
// reduced to their summarized form (see SummarizeTranscript) and every
// message's content truncated to the shared preview limit. Non-agent
// messages are already plain text and pass through unchanged beyond
// the length clamp.
func Summarize(msgs []dbstore.Message) []dbstore.Message {
	out := make([]dbstore.Message, len(msgs))
	for i, m := range msgs {
		if m.IsAgent {
			m.Content = SummarizeTranscript(m.Content)
		} else {
			m.Content = truncate(m.Content, summaryCharLimit)
		}
		out[i] = m
	}
	return out
}

// partsRe recognizes the three structured transcript tags a persisted
// agent message can contain. Plain text is whatever falls between
// matches. Mirrors the tag grammar the Content Builder emits: think,
// tool-call (name + single-quoted arguments), tool-result (name +
// status).
var partsRe = regexp.MustCompile(
	`<think>\n?(?s:(?P<think>.*?))\n?</think>` +
		`|<tool-call name="(?P<call_name>[^"]*)" arguments='(?P<call_args>[^']*)'>\n?(?s:.*?)\n?</tool-call>` +
		`|<tool-result name="(?P<result_name>[^"]*)" status="(?P<result_status>[^"]*)">\n?(?s:(?P<result_body>.*?))\n?</tool-result>`,
)

// SummarizeTranscript reduces a persisted agent message's full tagged
// transcript to a compact preview suitable for re-injection into a
// later prompt: think regions are elided entirely, tool calls become
// `name(args_preview)`, tool results become `name/status: text_preview`,
// plain text passes through, and the joined result is truncated to
// summaryCharLimit characters.
func SummarizeTranscript(raw string) string {
	names := partsRe.SubexpNames()
	matches := partsRe.FindAllStringSubmatchIndex(raw, -1)

	var parts []string
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if text := strings.TrimSpace(raw[last:start]); text != "" {
			parts = append(parts, text)
		}

		groups := make(map[string]string)
		for i := 2; i < len(m); i += 2 {
			if m[i] < 0 {
				continue
			}
			groups[names[i/2]] = raw[m[i]:m[i+1]]
		}

		switch {
		case groups["call_name"] != "":
			parts = append(parts, fmt.Sprintf("%s(%s)", groups["call_name"], truncate(groups["call_args"], 80)))
		case groups["result_name"] != "":
			parts = append(parts, fmt.Sprintf("%s/%s: %s", groups["result_name"], groups["result_status"], truncate(groups["result_body"], 120)))
		default:
			// think region: elided
		}
		last = end
	}
	if text := strings.TrimSpace(raw[last:]); text != "" {
		parts = append(parts, text)
	}

	return truncate(strings.Join(parts, " "), summaryCharLimit)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
