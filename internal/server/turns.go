package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/loom/internal/runtime"
	"github.com/haasonsaas/loom/pkg/models"
)

// turnRequest is the body of POST /v1/turns.
type turnRequest struct {
	ConversationID string              `json:"conversationId"`
	UserID         string              `json:"userId,omitempty"`
	Message        string              `json:"message"`
	Context        map[string]any      `json:"context,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
}

// handleTurn runs one turn and streams its events as SSE. The response
// flushes after every event; when the client goes away the request context
// cancels and the turn tears down with a terminal CANCELLED event.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "", "streaming unsupported")
		return
	}

	events, err := s.runtime().ProcessTurn(r.Context(), &runtime.TurnInput{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Message:        req.Message,
		Context:        req.Context,
		Attachments:    req.Attachments,
	})
	if err != nil {
		code := runtime.CodeOf(err)
		status := http.StatusBadRequest
		if code == models.CodeConversationBusy {
			status = http.StatusConflict
		}
		writeError(w, status, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("marshal event", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code models.ErrorCode, msg string) {
	body := map[string]any{"error": msg}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
