package api

import (
	"net/http"

	"github.com/chorushq/chorus/internal/hub"
)

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs, hasMore, err := s.svc.ListMessages(r.Context(),
		q.Get("topic_id"), q.Get("before_id"), q.Get("after_id"), intQuery(r, "limit", 0))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "has_more": hasMore})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TopicID    string `json:"topic_id"`
		Sender     string `json:"sender"`
		ContentRaw string `json:"content_raw"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, eventID, err := s.svc.CreateMessage(r.Context(), req.TopicID, req.Sender, req.ContentRaw)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg, "event_id": eventID})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

// patchMessageRequest is the tagged-op body of PATCH /messages/{id}. The
// body is parsed once; op selects which fields matter.
type patchMessageRequest struct {
	Op              string `json:"op"`
	ContentRaw      string `json:"content_raw"`
	Actor           string `json:"actor"`
	ToTopicID       string `json:"to_topic_id"`
	Mode            string `json:"mode"`
	ExpectedVersion *int64 `json:"expected_version"`
	Confirm         bool   `json:"confirm"`
}

func (s *Server) handlePatchMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Op {
	case "edit":
		msg, eventID, err := s.svc.EditMessage(r.Context(), id, req.ContentRaw, req.ExpectedVersion)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.wake()
		writeJSON(w, http.StatusOK, map[string]any{"message": msg, "event_id": eventID})

	case "delete":
		msg, eventID, err := s.svc.DeleteMessage(r.Context(), id, req.Actor, req.ExpectedVersion)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.wake()
		writeJSON(w, http.StatusOK, map[string]any{"message": msg, "event_id": eventID})

	case "move_topic":
		if req.Mode == hub.MoveAll && !req.Confirm {
			writeError(w, r, http.StatusBadRequest, hub.CodeInvalidInput,
				`mode "all" moves every message by the sender; set confirm:true`, nil)
			return
		}
		res, err := s.svc.MoveMessages(r.Context(), id, req.ToTopicID, req.Mode, req.ExpectedVersion)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if res.Count > 0 {
			s.wake()
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeError(w, r, http.StatusBadRequest, hub.CodeInvalidInput,
			`op must be "edit", "delete", or "move_topic"`, nil)
	}
}

func (s *Server) handleListEnrichments(w http.ResponseWriter, r *http.Request) {
	enr, err := s.svc.ListEnrichments(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrichments": enr})
}
