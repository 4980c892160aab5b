package authz

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// GroupAuthorizer lets anyone read and only members of writer groups
// change studies. Reference data and the request log need an admin group.
type GroupAuthorizer struct {
	writers mapset.Set[string]
	admins  mapset.Set[string]
}

// NewGroupAuthorizer returns a GroupAuthorizer. Admins are implicitly writers.
func NewGroupAuthorizer(writerGroups, adminGroups []string) *GroupAuthorizer {
	admins := mapset.NewSet(adminGroups...)
	return &GroupAuthorizer{
		writers: mapset.NewSet(writerGroups...).Union(admins),
		admins:  admins,
	}
}

// Authorize implements Authorizer.
func (a *GroupAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	groups := mapset.NewSet(req.Groups...)
	switch {
	case req.Resource == ResourceReferenceData && !req.ReadOnly(),
		req.Resource == ResourceRequestLog:
		return a.admins.Intersect(groups).Cardinality() > 0, nil
	case req.ReadOnly():
		return true, nil
	default:
		return a.writers.Intersect(groups).Cardinality() > 0, nil
	}
}
