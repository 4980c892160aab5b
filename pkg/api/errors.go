package api

import (
	"errors"
	"net/http"

	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
}

// statusFor maps repository errors onto HTTP status codes.
func statusFor(err error) (int, errorBody) {
	var (
		transition *study.TransitionError
		validation *study.ValidationError
		term       *study.TermNotFoundError
		project    *study.ProjectNotFoundError
		pre        *study.PreconditionError
	)
	switch {
	case errors.As(err, &transition):
		return http.StatusConflict, errorBody{Error: "transition_rejected", Message: transition.Message, Code: transition.Code}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{Error: "invalid_argument", Message: validation.Error(), Field: validation.Field}
	case errors.Is(err, study.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: "invalid_argument", Message: err.Error()}
	case errors.As(err, &term):
		return http.StatusUnprocessableEntity, errorBody{Error: "unknown_term", Message: term.Error(), Field: term.Field}
	case errors.As(err, &project):
		return http.StatusUnprocessableEntity, errorBody{Error: "unknown_project", Message: project.Error(), Field: "project_number"}
	case errors.Is(err, study.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()}
	case errors.As(err, &pre):
		return http.StatusConflict, errorBody{Error: "precondition_failed", Message: pre.Message, Code: pre.Code}
	case errors.Is(err, study.ErrPrecondition):
		return http.StatusConflict, errorBody{Error: "precondition_failed", Message: err.Error()}
	case errors.Is(err, study.ErrConflict):
		return http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()}
	case errors.Is(err, study.ErrNotImplemented):
		return http.StatusNotImplemented, errorBody{Error: "not_implemented", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "internal server error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func invalid(field, msg string) error {
	return &study.ValidationError{Field: field, Message: msg}
}
