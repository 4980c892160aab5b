package authz

import (
	"net/http"
	"strings"
)

// ResourceMapping maps an HTTP request to a resource and verb for authorization.
type ResourceMapping struct {
	Resource string
	Verb     string
}

// UnknownMapping is returned when no known pattern matches the request.
// Callers should deny requests with this mapping by default.
var UnknownMapping = ResourceMapping{}

// MapRequest maps an HTTP method and URL path under /api/v1 to a
// ResourceMapping.
func MapRequest(method, path string) ResourceMapping {
	rest, ok := strings.CutPrefix(strings.TrimRight(path, "/"), "/api/v1/")
	if !ok {
		return UnknownMapping
	}
	parts := strings.Split(rest, "/")
	read := method == http.MethodGet || method == http.MethodHead

	switch parts[0] {
	case "studies":
		switch {
		case len(parts) == 1 && read:
			return ResourceMapping{Resource: ResourceStudies, Verb: VerbList}
		case len(parts) == 1 && method == http.MethodPost:
			return ResourceMapping{Resource: ResourceStudies, Verb: VerbCreate}
		case len(parts) == 2 && read:
			return ResourceMapping{Resource: ResourceStudies, Verb: VerbGet}
		case len(parts) == 2 && method == http.MethodPatch:
			return ResourceMapping{Resource: ResourceStudies, Verb: VerbUpdate}
		case len(parts) == 3 && parts[2] == "audit-trail" && read:
			return ResourceMapping{Resource: ResourceAuditTrail, Verb: VerbGet}
		case (len(parts) == 3 || len(parts) == 4) && parts[2] == "versions" && read,
			len(parts) == 3 && parts[2] == "released-version" && read:
			return ResourceMapping{Resource: ResourceStudies, Verb: VerbGet}
		case len(parts) == 4 && parts[2] == "actions" && method == http.MethodPost:
			return ResourceMapping{Resource: ResourceStudyActions, Verb: VerbExecute}
		case len(parts) == 4 && parts[2] == "selections" && method == http.MethodPost:
			return ResourceMapping{Resource: ResourceSelections, Verb: VerbCreate}
		}
	case "library-items":
		if len(parts) == 3 && parts[2] == "studies" && read {
			return ResourceMapping{Resource: ResourceStudies, Verb: VerbList}
		}
	case "reference-data":
		if len(parts) == 1 && method == http.MethodPost {
			return ResourceMapping{Resource: ResourceReferenceData, Verb: VerbCreate}
		}
	case "request-log":
		if read {
			return ResourceMapping{Resource: ResourceRequestLog, Verb: VerbList}
		}
	}
	return UnknownMapping
}
