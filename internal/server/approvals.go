package server

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/loom/internal/runtime"
)

// approvalRequest is the body of POST /v1/approvals.
type approvalRequest struct {
	ConversationID string `json:"conversationId"`
	ToolCallID     string `json:"toolCallId"`
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason,omitempty"`
}

// handleApproval resolves an outstanding approval. Submission is idempotent;
// a repeat for an already-resolved call reports already_resolved and changes
// nothing.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	if req.ConversationID == "" || req.ToolCallID == "" {
		writeError(w, http.StatusBadRequest, "", "conversationId and toolCallId are required")
		return
	}

	status := s.runtime().SubmitApproval(req.ConversationID, req.ToolCallID, runtime.ApprovalDecision{
		Approved: req.Approved,
		Reason:   req.Reason,
	})
	switch status {
	case runtime.SubmitDelivered, runtime.SubmitAlreadyResolved:
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
	case runtime.SubmitNotFound:
		writeError(w, http.StatusNotFound, "", "no pending approval for tool call "+req.ToolCallID)
	default:
		writeError(w, http.StatusInternalServerError, "", "unknown submit status")
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": s.runtime().Conversations().IDs(),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, ok := s.runtime().Conversations().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "", "conversation not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation":     conv.Snapshot(),
		"pendingApprovals": s.runtime().PendingApprovals(id),
	})
}
