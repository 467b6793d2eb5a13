package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HyphaGroup/oubliette/internal/registry"
)

type agentView struct {
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	Description string `json:"description"`
	Model       string `json:"model"`
	Provider    string `json:"provider"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	identities, err := s.agents.List()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]agentView, len(identities))
	for i, id := range identities {
		out[i] = agentView{
			UserID:      id.UserID,
			Nickname:    id.Nickname,
			Description: id.Description,
			Model:       id.Model,
			Provider:    id.Provider,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type addAgentToSessionRequest struct {
	ChatSessionID string `json:"chat_session_id"`
	AgentUserID   string `json:"agent_user_id"`
}

func (s *Server) handleAddAgentToSession(w http.ResponseWriter, r *http.Request) {
	var req addAgentToSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatSessionID == "" || req.AgentUserID == "" {
		jsonError(w, "chat_session_id and agent_user_id are required", http.StatusBadRequest)
		return
	}

	if err := s.agents.AddToSession(req.ChatSessionID, req.AgentUserID); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			jsonError(w, "unknown agent", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chat_session_id": req.ChatSessionID, "agent_user_id": req.AgentUserID, "added": true})
}
