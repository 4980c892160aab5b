package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// ListEventsHandler handles GET /request-log.
// Query params: actor, study_uid, action, outcome, page_size, page_token
func ListEventsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := ListFilter{
			Actor:    q.Get("actor"),
			StudyUID: q.Get("study_uid"),
			Action:   q.Get("action"),
			Outcome:  q.Get("outcome"),
		}
		pageSize := 20
		if ps := q.Get("page_size"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		events, next, total, err := store.List(filter, pageSize, q.Get("page_token"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to list request events: %v", err))
			return
		}
		if events == nil {
			events = []RequestEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events":          events,
			"next_page_token": next,
			"total":           total,
		})
	}
}

// GetEventHandler handles GET /request-log/{eventId}.
func GetEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		ev, err := store.GetByID(eventID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get request event: %v", err))
			return
		}
		if ev == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("request event %q not found", eventID))
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
