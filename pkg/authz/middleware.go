package authz

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AuthzMiddleware returns middleware that maps the HTTP method and URL path
// to a (resource, verb) pair and performs the authorization check. Requests
// that map to nothing are denied.
func AuthzMiddleware(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, r.URL.Path)
			if mapping == UnknownMapping {
				writeAuthError(w, http.StatusForbidden, "forbidden", "unknown endpoint, access denied")
				return
			}

			id, _ := IdentityFromContext(r.Context())
			allowed, err := authorizer.Authorize(r.Context(), AuthzRequest{
				User:     id.User,
				Groups:   id.Groups,
				Resource: mapping.Resource,
				Verb:     mapping.Verb,
			})
			if err != nil {
				writeAuthError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
				return
			}
			if !allowed {
				writeAuthError(w, http.StatusForbidden, "forbidden",
					fmt.Sprintf("insufficient permissions for %s/%s", mapping.Resource, mapping.Verb))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
