package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/HyphaGroup/oubliette/internal/chatcontext"
	"github.com/HyphaGroup/oubliette/internal/dbstore"
)

// chatHistoryLimitDefault and chatHistoryLimitMax bound the limit
// argument of get_chat_history and search_messages: a non-positive
// limit or one above the max is replaced by the default.
const (
	chatHistoryLimitDefault = 20
	chatHistoryLimitMax     = 100
)

// ChatHistoryTool implements get_chat_history(session_id, limit,
// offset), reading through the Context Loader's cache-first path.
type ChatHistoryTool struct {
	loader *chatcontext.Loader
}

// NewChatHistoryTool creates the get_chat_history tool.
func NewChatHistoryTool(loader *chatcontext.Loader) *ChatHistoryTool {
	return &ChatHistoryTool{loader: loader}
}

func (t *ChatHistoryTool) Name() string { return "get_chat_history" }

func (t *ChatHistoryTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"limit": {"type": "integer", "default": 20},
			"offset": {"type": "integer", "default": 0}
		},
		"required": ["session_id"]
	}`)
}

func (t *ChatHistoryTool) RequiresApproval() bool { return false }

func (t *ChatHistoryTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("get_chat_history: invalid arguments: %w", err)
	}
	if params.Limit <= 0 || params.Limit > chatHistoryLimitMax {
		params.Limit = chatHistoryLimitDefault
	}

	msgs, err := t.loader.GetContext(ctx, params.SessionID, params.Limit+params.Offset)
	if err != nil {
		return "", fmt.Errorf("get_chat_history: %w", err)
	}
	if params.Offset > 0 && params.Offset < len(msgs) {
		msgs = msgs[:len(msgs)-params.Offset]
	}

	var sb strings.Builder
	for _, m := range msgs {
		sender := m.Nickname
		if m.IsAgent {
			sender += " (agent)"
		}
		decoration := ""
		switch m.MessageType {
		case dbstore.TypeImage:
			decoration = " [image]"
		case dbstore.TypeFile:
			decoration = fmt.Sprintf(" [file: %s]", m.FileName)
		case dbstore.TypeSpeech:
			decoration = " [voice message]"
		}
		fmt.Fprintf(&sb, "[%s] %s%s: %s\n", m.CreateTime.Format("2006-01-02 15:04:05"), sender, decoration, m.Content)
	}
	if sb.Len() == 0 {
		return "no messages found", nil
	}
	return sb.String(), nil
}

// GetSessionMembersTool implements get_session_members(session_id).
type GetSessionMembersTool struct {
	store *dbstore.Store
}

func NewGetSessionMembersTool(store *dbstore.Store) *GetSessionMembersTool {
	return &GetSessionMembersTool{store: store}
}

func (t *GetSessionMembersTool) Name() string { return "get_session_members" }

func (t *GetSessionMembersTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {"session_id": {"type": "string"}},
		"required": ["session_id"]
	}`)
}

func (t *GetSessionMembersTool) RequiresApproval() bool { return false }

func (t *GetSessionMembersTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("get_session_members: invalid arguments: %w", err)
	}

	members, err := t.store.SessionMembers(params.SessionID)
	if err != nil {
		return "", fmt.Errorf("get_session_members: %w", err)
	}

	var sb strings.Builder
	for _, u := range members {
		kind := "user"
		if u.IsAgent {
			kind = "agent"
		}
		fmt.Fprintf(&sb, "%s (%s, %s)\n", u.Nickname, u.UserID, kind)
	}
	if sb.Len() == 0 {
		return "no members found", nil
	}
	return sb.String(), nil
}

// GetUserInfoTool implements get_user_info(user_id).
type GetUserInfoTool struct {
	store *dbstore.Store
}

func NewGetUserInfoTool(store *dbstore.Store) *GetUserInfoTool {
	return &GetUserInfoTool{store: store}
}

func (t *GetUserInfoTool) Name() string { return "get_user_info" }

func (t *GetUserInfoTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {"user_id": {"type": "string"}},
		"required": ["user_id"]
	}`)
}

func (t *GetUserInfoTool) RequiresApproval() bool { return false }

func (t *GetUserInfoTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("get_user_info: invalid arguments: %w", err)
	}

	u, err := t.store.GetUser(params.UserID)
	if err != nil {
		return "", fmt.Errorf("get_user_info: %w", err)
	}

	if u.IsAgent {
		return fmt.Sprintf("%s (%s): agent, model=%s provider=%s, %s", u.Nickname, u.UserID, u.AgentModel, u.AgentProvider, u.AgentDescription), nil
	}
	return fmt.Sprintf("%s (%s): user", u.Nickname, u.UserID), nil
}

// SearchMessagesTool implements search_messages(session_id, query, limit).
type SearchMessagesTool struct {
	store *dbstore.Store
}

func NewSearchMessagesTool(store *dbstore.Store) *SearchMessagesTool {
	return &SearchMessagesTool{store: store}
}

func (t *SearchMessagesTool) Name() string { return "search_messages" }

func (t *SearchMessagesTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"query": {"type": "string"},
			"limit": {"type": "integer", "default": 20}
		},
		"required": ["session_id", "query"]
	}`)
}

func (t *SearchMessagesTool) RequiresApproval() bool { return false }

func (t *SearchMessagesTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		SessionID string `json:"session_id"`
		Query     string `json:"query"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("search_messages: invalid arguments: %w", err)
	}
	if params.Limit <= 0 || params.Limit > chatHistoryLimitMax {
		params.Limit = chatHistoryLimitDefault
	}

	msgs, err := t.store.SearchMessages(params.SessionID, params.Query, params.Limit)
	if err != nil {
		return "", fmt.Errorf("search_messages: %w", err)
	}

	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.CreateTime.Format("2006-01-02 15:04:05"), m.Nickname, m.Content)
	}
	if sb.Len() == 0 {
		return "no matching messages found", nil
	}
	return sb.String(), nil
}

// GetUserSessionsTool implements get_user_sessions(user_id).
type GetUserSessionsTool struct {
	store *dbstore.Store
}

func NewGetUserSessionsTool(store *dbstore.Store) *GetUserSessionsTool {
	return &GetUserSessionsTool{store: store}
}

func (t *GetUserSessionsTool) Name() string { return "get_user_sessions" }

func (t *GetUserSessionsTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {"user_id": {"type": "string"}},
		"required": ["user_id"]
	}`)
}

func (t *GetUserSessionsTool) RequiresApproval() bool { return false }

func (t *GetUserSessionsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("get_user_sessions: invalid arguments: %w", err)
	}

	sessions, err := t.store.UserSessions(params.UserID)
	if err != nil {
		return "", fmt.Errorf("get_user_sessions: %w", err)
	}
	if len(sessions) == 0 {
		return "no sessions found", nil
	}
	return strings.Join(sessions, "\n"), nil
}
