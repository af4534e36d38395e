package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morphik-org/morphik-core/pkg/agent"
	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/query"
)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req query.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if !req.StreamResponse {
		resp, err := s.pipeline.Run(r.Context(), ac, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse := newSSEWriter(w)
	err := s.pipeline.RunStream(r.Context(), ac, req, func(ev query.StreamEvent) error {
		return sse.send(ev)
	})
	if err != nil {
		if !sse.started() {
			s.writeError(w, r, err)
			return
		}
		// The pipeline already emitted an error event for stream failures;
		// anything else after the headers went out can only be logged.
		s.logger.Error("streaming query failed", "error", err)
	}
}

// AgentRequest is the body of POST /agent.
type AgentRequest struct {
	Query       string `json:"query"`
	ChatID      string `json:"chat_id,omitempty"`
	DisplayMode string `json:"display_mode,omitempty"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req AgentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, r, &query.ValidationError{Field: "query", Message: "must not be empty"})
		return
	}
	switch req.DisplayMode {
	case "", "raw", "formatted":
	default:
		s.writeError(w, r, &query.ValidationError{Field: "display_mode", Message: `must be "raw" or "formatted"`})
		return
	}

	started := time.Now()

	history, err := s.history.Load(r.Context(), ac, req.ChatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userMsg := models.ChatMessage{
		Role:      models.RoleUser,
		Content:   req.Query,
		Timestamp: time.Now().UTC(),
	}
	history = append(history, userMsg)

	resp, err := s.orchestrator.Run(r.Context(), ac, agent.RunRequest{
		Query:       req.Query,
		History:     history,
		DisplayMode: req.DisplayMode,
	})
	if err != nil {
		s.recordAgentUsage(r, ac, started, "error", 0, err.Error())
		s.writeError(w, r, err)
		return
	}

	assistant := models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   resp.Response,
		Timestamp: time.Now().UTC(),
		AgentData: map[string]interface{}{
			"display_objects": resp.DisplayObjects,
			"tool_history":    resp.ToolHistory,
			"sources":         resp.Sources,
		},
	}
	if err := s.history.Save(r.Context(), ac, req.ChatID, append(history, assistant)); err != nil {
		s.writeError(w, r, err)
		return
	}

	tokens := query.EstimateTokens(req.Query) + query.EstimateTokens(resp.Response)
	s.recordAgentUsage(r, ac, started, "success", tokens, "")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recordAgentUsage(r *http.Request, ac *auth.AuthContext, started time.Time, status string, tokens int, errMsg string) {
	userID, _ := query.Scope(ac)
	log := &models.UsageLog{
		Timestamp:     time.Now().UTC(),
		UserID:        *userID,
		AppID:         ac.AppID,
		OperationType: "agent",
		Status:        status,
		DurationMS:    time.Since(started).Milliseconds(),
		TokensUsed:    tokens,
		Error:         errMsg,
	}
	if err := s.store.RecordUsage(r.Context(), log); err != nil {
		s.logger.Warn("failed to record usage", "error", err)
	}
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	userID, appID := query.Scope(ac)

	history, err := s.store.GetChatHistory(r.Context(), chi.URLParam(r, "chatID"), userID, appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	userID, appID := query.Scope(ac)

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, r, &query.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = parsed
	}

	summaries, err := s.store.ListChatConversations(r.Context(), userID, appID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleUpdateChatTitle(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	userID, appID := query.Scope(ac)

	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Title == "" {
		s.writeError(w, r, &query.ValidationError{Field: "title", Message: "must not be empty"})
		return
	}

	if err := s.store.UpdateChatTitle(r.Context(), chi.URLParam(r, "chatID"), userID, appID, body.Title); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sseWriter emits Server-Sent Events: one JSON object per data line,
// followed by a blank line, flushed immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) started() bool {
	return s.wrote
}

func (s *sseWriter) send(v interface{}) error {
	if !s.wrote {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.wrote = true
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
