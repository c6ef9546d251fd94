package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chorushq/chorus/internal/hub"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.svc.ListChannels(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ch, eventID, err := s.svc.CreateChannel(r.Context(), req.Name, req.Description)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusCreated, map[string]any{"channel": ch, "event_id": eventID})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.svc.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 0)
	offset := intQuery(r, "offset", 0)
	topics, hasMore, err := s.svc.ListTopics(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics, "has_more": hasMore})
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
		Title     string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tp, eventID, err := s.svc.CreateTopic(r.Context(), req.ChannelID, req.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusCreated, map[string]any{"topic": tp, "event_id": eventID})
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	tp, err := s.svc.GetTopic(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": tp})
}

func (s *Server) handleRenameTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tp, eventID, err := s.svc.RenameTopic(r.Context(), r.PathValue("id"), req.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusOK, map[string]any{"topic": tp, "event_id": eventID})
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	atts, err := s.svc.ListAttachments(r.Context(), r.PathValue("id"), r.URL.Query().Get("kind"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": atts})
}

func (s *Server) handleAddAttachment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind            string          `json:"kind"`
		Key             string          `json:"key"`
		ValueJSON       json.RawMessage `json:"value_json"`
		DedupeKey       string          `json:"dedupe_key"`
		SourceMessageID string          `json:"source_message_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	att, eventID, deduplicated, err := s.svc.AddAttachment(r.Context(), hub.AddAttachmentParams{
		TopicID:         r.PathValue("id"),
		Kind:            req.Kind,
		Key:             req.Key,
		ValueJSON:       req.ValueJSON,
		DedupeKey:       req.DedupeKey,
		SourceMessageID: req.SourceMessageID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	resp := map[string]any{"attachment": att, "deduplicated": deduplicated}
	if deduplicated {
		// A dedupe hit appends nothing to the journal; the null makes
		// that explicit rather than leaving the field absent.
		status = http.StatusOK
		resp["event_id"] = nil
	} else {
		resp["event_id"] = eventID
		s.wake()
	}
	writeJSON(w, status, resp)
}

// intQuery parses a non-negative integer query parameter, returning def on
// absence or garbage.
func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
