package authz

import "context"

// NoopAuthorizer always allows all requests. Used with AuthzModeNone.
type NoopAuthorizer struct{}

// Authorize always returns true.
func (n *NoopAuthorizer) Authorize(_ context.Context, _ AuthzRequest) (bool, error) {
	return true, nil
}
