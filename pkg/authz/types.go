// Package authz identifies the user behind a request and decides whether
// that user may perform the requested study operation.
package authz

import "context"

// Resource names used in authorization checks.
const (
	ResourceStudies       = "studies"
	ResourceStudyActions  = "study-actions"
	ResourceSelections    = "selections"
	ResourceAuditTrail    = "audit-trail"
	ResourceReferenceData = "reference-data"
	ResourceRequestLog    = "request-log"
)

// Verb names used in authorization checks.
const (
	VerbGet     = "get"
	VerbList    = "list"
	VerbCreate  = "create"
	VerbUpdate  = "update"
	VerbExecute = "execute"
)

// AuthzRequest represents an authorization check.
type AuthzRequest struct {
	User     string
	Groups   []string
	Resource string
	Verb     string
}

// ReadOnly reports whether the request only reads data.
func (r AuthzRequest) ReadOnly() bool {
	return r.Verb == VerbGet || r.Verb == VerbList
}

// Authorizer checks whether a user is authorized to perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthzRequest) (bool, error)
}
