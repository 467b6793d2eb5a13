package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/HyphaGroup/oubliette/internal/auth"
	"github.com/HyphaGroup/oubliette/internal/dbstore"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/orchestrator"
	"github.com/HyphaGroup/oubliette/internal/registry"
	"github.com/HyphaGroup/oubliette/internal/stream"
	"github.com/google/uuid"
)

// mentionPattern matches the gateway's `@[display name]{agent-id}`
// mention markup so it can be stripped to `@display name` before the
// text reaches the model.
var mentionPattern = regexp.MustCompile(`@\[([^\]]+)\]\{[^}]+\}`)

// stripMentionMarkup rewrites `@[name]{id}` occurrences to `@name`.
func stripMentionMarkup(content string) string {
	return mentionPattern.ReplaceAllString(content, "@$1")
}

// historyMessage is one caller-supplied chat_history entry, used to
// seed the Context Loader's cache when a caller already holds history
// it wants the agent to see instead of a fresh database read.
type historyMessage struct {
	MessageID   string `json:"message_id"`
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	Content     string `json:"content"`
	IsAgent     bool   `json:"is_agent"`
	MessageType int    `json:"message_type"`
}

type createRunRequest struct {
	Input         string           `json:"input"`
	ChatSessionID string           `json:"chat_session_id"`
	AgentUserID   string           `json:"agent_user_id"`
	ChatHistory   []historyMessage `json:"chat_history"`
}

type createRunResponse struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Input == "" || req.ChatSessionID == "" {
		jsonError(w, "input and chat_session_id are required", http.StatusBadRequest)
		return
	}
	agentUserID := req.AgentUserID
	if agentUserID == "" {
		jsonError(w, "agent_user_id is required", http.StatusBadRequest)
		return
	}

	identity, err := s.agents.Get(agentUserID)
	if err != nil {
		s.respondAgentLookupError(w, err)
		return
	}

	if len(req.ChatHistory) > 0 {
		s.seedChatHistory(r.Context(), req.ChatSessionID, req.ChatHistory)
	}

	run, created := s.createAndLaunchRun(authCtx.UserID, req.ChatSessionID, agentUserID, req.Input, *identity)

	writeJSON(w, http.StatusOK, createRunResponse{RunID: run.ID, CreatedAt: created})
}

type webhookRequest struct {
	ChatSessionID string `json:"chat_session_id"`
	MessageID     string `json:"message_id"`
	SenderUserID  string `json:"sender_user_id"`
	AgentUserID   string `json:"agent_user_id"`
	Content       string `json:"content"`
}

func (s *Server) handleWebhookMessage(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatSessionID == "" || req.AgentUserID == "" || req.Content == "" {
		jsonError(w, "chat_session_id, agent_user_id and content are required", http.StatusBadRequest)
		return
	}

	identity, err := s.agents.Get(req.AgentUserID)
	if err != nil {
		s.respondAgentLookupError(w, err)
		return
	}

	input := stripMentionMarkup(req.Content)
	run, created := s.createAndLaunchRun(req.SenderUserID, req.ChatSessionID, req.AgentUserID, input, *identity)

	writeJSON(w, http.StatusOK, createRunResponse{RunID: run.ID, CreatedAt: created})
}

// createAndLaunchRun registers a Run in the Stream Registry and hands
// it to its own orchestrator goroutine. The context passed to the
// orchestrator is the run's own cancellation context, not the
// request's: the HTTP handler returns immediately but the run must
// keep going.
func (s *Server) createAndLaunchRun(userID, chatSessionID, agentUserID, input string, identity registry.Identity) (*stream.Run, time.Time) {
	runID := uuid.New().String()
	run, runCtx := s.streams.Create(runID, userID, chatSessionID, agentUserID, input)

	agentIdentity := orchestrator.AgentIdentity{
		UserID:      identity.UserID,
		Nickname:    identity.Nickname,
		Model:       identity.Model,
		Provider:    identity.Provider,
		Description: identity.Description,
	}
	s.runOrchestrator(runCtx, run, agentIdentity)

	return run, run.CreatedAt
}

func (s *Server) seedChatHistory(ctx context.Context, sessionID string, history []historyMessage) {
	for _, h := range history {
		msg := dbstore.Message{
			MessageID:   h.MessageID,
			SessionID:   sessionID,
			UserID:      h.UserID,
			Nickname:    h.Nickname,
			MessageType: dbstore.MessageType(h.MessageType),
			Content:     h.Content,
			CreateTime:  time.Now().UTC(),
			IsAgent:     h.IsAgent,
		}
		if msg.MessageID == "" {
			msg.MessageID = uuid.New().String()
		}
		if err := s.loader.AddMessage(ctx, sessionID, msg); err != nil {
			logger.Error("httpapi: seed chat_history message %s: %v", msg.MessageID, err)
		}
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.streams.Get(id)
	if !ok {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":          run.ID,
		"status":          string(run.Status()),
		"running":         !run.Status().IsTerminal(),
		"chat_session_id": run.ChatSessionID,
		"agent_user_id":   run.AgentID,
		"created_at":      run.CreatedAt,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.streams.Cancel(id); err != nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "cancelled": true})
}

func (s *Server) respondAgentLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrAgentNotFound) {
		jsonError(w, "unknown agent", http.StatusNotFound)
		return
	}
	jsonError(w, "internal error", http.StatusInternalServerError)
}
