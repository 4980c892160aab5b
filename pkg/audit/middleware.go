package audit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/openstudybuilder/study-mdr/pkg/authz"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Settings selects what Middleware records.
type Settings struct {
	Enabled   bool
	LogDenied bool // keep 401/403 responses
}

// Middleware records a RequestEvent for every mutating request once the
// handler has finished. Write failures are logged and never fail the request.
func Middleware(store *Store, cfg Settings, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || store == nil || !isMutating(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			outcome := outcomeFromStatus(capture.statusCode)
			if outcome == "denied" && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			actor := "anonymous"
			if id, ok := authz.IdentityFromContext(ctx); ok && id.User != "" {
				actor = id.User
			}
			requestID := middleware.GetReqID(ctx)
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = requestID
			}

			event := &RequestEvent{
				ID:            uuid.New().String(),
				Actor:         actor,
				RequestID:     requestID,
				CorrelationID: correlationID,
				Method:        r.Method,
				Path:          r.URL.Path,
				StudyUID:      studyUIDFromPath(r.URL.Path),
				Action:        actionFromRequest(r.Method, r.URL.Path),
				Outcome:       outcome,
				StatusCode:    capture.statusCode,
				DurationMS:    time.Since(start).Milliseconds(),
				CreatedAt:     start.UTC(),
			}
			if err := store.Append(event); err != nil {
				logger.Error("failed to write request event", "error", err, "requestID", requestID)
			}
		})
	}
}
