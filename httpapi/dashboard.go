package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": s.hub.Overview(r.Context()),
		"channels":      s.hub.Statuses(),
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.hub.Conversations(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleChannelMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.hub.Messages(r.Context(),
		chi.URLParam(r, "channel"), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleChannelSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if err := s.hub.Send(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "id"), req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// --- registry administration ---

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.admin.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleChannelUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string          `json:"name"`
		Platform string          `json:"platform"`
		Enabled  bool            `json:"enabled"`
		Config   json.RawMessage `json:"config"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Name == "" || req.Platform == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and platform are required"})
		return
	}
	if err := s.admin.Upsert(r.Context(), req.Name, req.Platform, req.Enabled, req.Config); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "name": req.Name})
}

func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleChannelEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.admin.SetEnabled(r.Context(), chi.URLParam(r, "name"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}
