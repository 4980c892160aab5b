package audit

import "github.com/go-chi/chi/v5"

// Router creates a chi.Router serving the request log.
func Router(store *Store) chi.Router {
	r := chi.NewRouter()
	r.Get("/", ListEventsHandler(store))
	r.Get("/{eventId}", GetEventHandler(store))
	return r
}
