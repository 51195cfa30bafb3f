package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/msgrelay/bridge"
)

// maxUploadBytes caps a media upload request body.
const maxUploadBytes = 64 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"bridge":   s.bridge.Health(),
		"channels": s.hub.Statuses(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.bridge.Health())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.bridge.Reconnect()
	writeJSON(w, http.StatusAccepted, s.bridge.Health())
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.bridge.SetWebhook(req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"webhook": req.URL})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.To == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to and message are required"})
		return
	}

	addr, err := s.resolver.Resolve(r.Context(), req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.bridge.SendMessage(r.Context(), addr, req.Message); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("message sent", "to", addr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "to": addr})
}

// handleSendMedia accepts multipart uploads: one or more "file" parts plus
// optional "caption" and "as_document" fields.
func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart body required"})
		return
	}

	to := r.FormValue("to")
	if to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to is required"})
		return
	}

	var files []bridge.MediaFile
	for _, hdr := range r.MultipartForm.File["file"] {
		f, err := hdr.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("open %s: %v", hdr.Filename, err)})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("read %s: %v", hdr.Filename, err)})
			return
		}
		files = append(files, bridge.MediaFile{
			Name: hdr.Filename,
			MIME: hdr.Header.Get("Content-Type"),
			Data: data,
		})
	}
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one file part is required"})
		return
	}

	addr, err := s.resolver.Resolve(r.Context(), to)
	if err != nil {
		writeError(w, err)
		return
	}
	opts := bridge.MediaOptions{
		Caption:    r.FormValue("caption"),
		AsDocument: r.FormValue("as_document") == "true",
	}
	if err := s.bridge.SendMedia(r.Context(), addr, files, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "to": addr, "files": len(files)})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	chats, err := s.bridge.GetUnread(r.Context(), r.URL.Query().Get("contact"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	limit := queryInt(r, "limit", 50)

	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "after must be RFC 3339"})
			return
		}
		after = t
	}

	msgs, err := s.bridge.GetMessages(r.Context(), chatID, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	msgs, err := s.bridge.SearchMessages(r.Context(), q, r.URL.Query().Get("chat"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleDownloadMedia returns recent attachments base64-encoded so the
// JSON body stays transport-safe.
func (s *Server) handleDownloadMedia(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	files, err := s.bridge.DownloadMedia(r.Context(), chatID, queryInt(r, "count", 5))
	if err != nil {
		writeError(w, err)
		return
	}

	type encoded struct {
		Name string `json:"name"`
		MIME string `json:"mime"`
		Data string `json:"data"`
	}
	out := make([]encoded, 0, len(files))
	for _, f := range files {
		out = append(out, encoded{
			Name: f.Name,
			MIME: f.MIME,
			Data: base64.StdEncoding.EncodeToString(f.Data),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.bridge.ListContacts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInviteLink(w http.ResponseWriter, r *http.Request) {
	link, err := s.bridge.GroupInviteLink(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"invite_link": link})
}

func (s *Server) handleSmartReply(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	msgs, err := s.bridge.GetMessages(r.Context(), chatID, time.Time{}, 10)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":     chatID,
		"suggestions": s.replier.Suggest(r.Context(), msgs),
	})
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string    `json:"to"`
		Message string    `json:"message"`
		Date    time.Time `json:"date"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.To == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to and message are required"})
		return
	}

	addr, err := s.resolver.Resolve(r.Context(), req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.sched.Schedule(addr, req.Message, req.Date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List())
}

func (s *Server) handleScheduleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
