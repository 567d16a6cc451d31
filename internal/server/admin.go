package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/llmtap/llmtap/internal/model"
	"github.com/llmtap/llmtap/internal/store"
)

// interactionSummary is the list-view shape: enough to scan traffic
// without shipping request/response bodies over the admin API.
type interactionSummary struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"session_id,omitempty"`
	StartedAt      string  `json:"started_at"`
	Provider       string  `json:"provider"`
	Model          string  `json:"model,omitempty"`
	Method         string  `json:"method"`
	Path           string  `json:"path"`
	StatusCode     int     `json:"status_code"`
	Streaming      bool    `json:"streaming"`
	ChunkCount     int     `json:"chunk_count"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
	Error          string  `json:"error,omitempty"`
	TextPreview    string  `json:"response_text_preview,omitempty"`
}

const previewLen = 200

func summarize(i *model.Interaction) interactionSummary {
	preview := i.ReconstructedText
	if len(preview) > previewLen {
		preview = preview[:previewLen] + "..."
	}
	return interactionSummary{
		ID:             i.ID,
		SessionID:      i.SessionID,
		StartedAt:      i.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Provider:       string(i.Provider),
		Model:          i.Model,
		Method:         i.Method,
		Path:           i.Path,
		StatusCode:     i.StatusCode,
		Streaming:      i.Streaming,
		ChunkCount:     i.ChunkCount,
		TotalLatencyMs: i.TotalLatencyMs,
		Error:          i.Error,
		TextPreview:    preview,
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("encoding admin response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	s.respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 20)
	offset := queryInt(q.Get("offset"), 0)
	filter := store.Filter{
		Provider:  q.Get("provider"),
		Model:     q.Get("model"),
		SessionID: q.Get("session_id"),
	}

	list, err := s.store.ListInteractions(r.Context(), filter, limit, offset)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	summaries := make([]interactionSummary, 0, len(list))
	for _, i := range list {
		summaries = append(summaries, summarize(i))
	}
	s.respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	i, err := s.store.GetInteraction(r.Context(), id)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if i == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	s.respondJSON(w, http.StatusOK, i)
}

func (s *Server) handleClearInteractions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.DeleteAll(r.Context()); err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
