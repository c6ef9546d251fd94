package api

import (
	"net/http"

	"github.com/chorushq/chorus/internal/hub"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// handleEvents serves GET /api/v1/events. With after=N it returns events
// with id > N ascending, at most tail rows; with tail alone it returns the
// last tail events, still ascending.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intQuery(r, "tail", defaultEventLimit)
	if limit == 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	st := s.svc.Store()
	if q.Has("after") {
		after := intQuery(r, "after", -1)
		if after < 0 {
			writeError(w, r, http.StatusBadRequest, hub.CodeInvalidInput,
				"after must be a non-negative integer", nil)
			return
		}
		evs, err := st.EventsAfter(r.Context(), int64(after), limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": evs})
		return
	}

	evs, err := st.EventsTail(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, r, http.StatusBadRequest, hub.CodeInvalidInput, "q is required", nil)
		return
	}
	msgs, err := s.svc.Search(r.Context(), query, q.Get("topic_id"), q.Get("channel_id"), intQuery(r, "limit", 0))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
