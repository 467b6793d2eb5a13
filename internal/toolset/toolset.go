// Package toolset is the Tool Set: the agent's callable surface. Every
// tool has a name, a typed parameter schema, a "requires approval"
// flag, and an executor returning a display string; tools read their
// ambient run id / user id / session id from request-scoped context
// rather than explicit parameters, matching the orchestrator's calling
// convention.
//
// Grounded on the teacher's cmd/oubliette-client tool-schema handling
// (building *jsonschema.Schema by JSON-decoding a schema document; this
// package's Schema() methods decode string literals) and on original_source's
// tool catalogue (web_search/web_open/web_find/code_execute/chat
// history + db query tools) for the tool set itself.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is one callable the agent can invoke.
type Tool interface {
	Name() string
	Schema() *jsonschema.Schema
	RequiresApproval() bool
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// mustSchema builds a *jsonschema.Schema by unmarshaling a literal JSON
// Schema document, panicking if the literal is invalid.
func mustSchema(doc string) *jsonschema.Schema {
	var s jsonschema.Schema
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		panic(fmt.Sprintf("toolset: invalid schema literal: %v", err))
	}
	return &s
}

// contextKey namespaces this package's request-scoped values
// separately from internal/auth and internal/logger's own context
// keys.
type contextKey string

const (
	ctxKeyRunID   contextKey = "toolset_run_id"
	ctxKeyUserID  contextKey = "toolset_user_id"
	ctxKeySession contextKey = "toolset_session_id"
)

// WithRunScope attaches the ambient run/user/session ids a tool
// executor reads instead of receiving them as explicit parameters.
func WithRunScope(ctx context.Context, runID, userID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyRunID, runID)
	ctx = context.WithValue(ctx, ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeySession, sessionID)
	return ctx
}

// RunIDFromContext, UserIDFromContext, and SessionIDFromContext read
// back the values WithRunScope attached.
func RunIDFromContext(ctx context.Context) string     { return stringFromContext(ctx, ctxKeyRunID) }
func UserIDFromContext(ctx context.Context) string    { return stringFromContext(ctx, ctxKeyUserID) }
func SessionIDFromContext(ctx context.Context) string { return stringFromContext(ctx, ctxKeySession) }

func stringFromContext(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// Registry is the set of tools available to a run, keyed by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a Registry from a list of tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Get returns the named tool, or false if it isn't registered.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every tool's name and schema, the shape the
// orchestrator hands to the model provider when opening a streaming
// call.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:             t.Name(),
			Schema:           t.Schema(),
			RequiresApproval: t.RequiresApproval(),
		})
	}
	return defs
}

// ToolDefinition is the provider-facing description of one tool.
type ToolDefinition struct {
	Name             string
	Schema           *jsonschema.Schema
	RequiresApproval bool
}
