package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HyphaGroup/oubliette/internal/approval"
	"github.com/HyphaGroup/oubliette/internal/auth"
	"github.com/HyphaGroup/oubliette/internal/metrics"
)

type resolveApprovalRequest struct {
	Approved bool `json:"approved"`
}

// handleResolveApproval serves POST /approvals/{id}: only the user who
// owns the run the approval belongs to may resolve it, per "caller
// must be the owner."
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	id := r.PathValue("id")

	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, ok := s.approvals.Get(id); !ok {
		jsonError(w, "approval not found", http.StatusNotFound)
		return
	}

	if err := s.approvals.Resolve(id, req.Approved, authCtx.UserID); err != nil {
		if errors.Is(err, approval.ErrNotOwner) {
			jsonError(w, "only the owning user may resolve this approval", http.StatusForbidden)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := "rejected"
	if req.Approved {
		status = "approved"
	}
	metrics.RecordApproval(status)

	writeJSON(w, http.StatusOK, map[string]any{"approval_id": id, "status": status})
}
