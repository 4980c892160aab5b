package audit

import (
	"net/http"
	"strings"
)

// studyUIDFromPath returns the {uid} of /api/v1/studies/{uid}/...
func studyUIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "studies" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// actionFromRequest names the operation a request performs.
func actionFromRequest(method, path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		switch p {
		case "actions":
			if i+1 < len(parts) {
				return parts[i+1]
			}
		case "selections":
			if i+1 < len(parts) {
				return "select-" + parts[i+1]
			}
		case "reference-data":
			return "seed-reference-data"
		}
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodPatch:
		return "edit"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// isMutating reports whether the request should be logged. Reads and
// health endpoints are not.
func isMutating(method, path string) bool {
	if isHealthEndpoint(path) {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// isHealthEndpoint returns true for health-check paths.
func isHealthEndpoint(path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz", "/metrics":
		return true
	}
	return false
}

// outcomeFromStatus maps HTTP status codes to event outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return "denied"
	default:
		return "failure"
	}
}
