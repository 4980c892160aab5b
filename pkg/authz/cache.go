package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openstudybuilder/study-mdr/pkg/cache"
)

// DefaultCacheTTL is the default time-to-live for cached authorization results.
const DefaultCacheTTL = 10 * time.Second

// CachedAuthorizer wraps another Authorizer with a short-lived cache of
// its decisions. Errors are not cached.
type CachedAuthorizer struct {
	inner     Authorizer
	decisions *cache.LRUCache[string, bool]
}

// NewCachedAuthorizer creates a CachedAuthorizer that wraps inner with the given TTL.
func NewCachedAuthorizer(inner Authorizer, ttl time.Duration) *CachedAuthorizer {
	return &CachedAuthorizer{
		inner:     inner,
		decisions: cache.NewLRUCache[string, bool](1024, ttl),
	}
}

// Authorize checks the cache first and delegates to the inner Authorizer on miss.
func (c *CachedAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	key := cacheKey(req)
	if allowed, ok := c.decisions.Get(key); ok {
		return allowed, nil
	}
	allowed, err := c.inner.Authorize(ctx, req)
	if err != nil {
		return false, err
	}
	c.decisions.Set(key, allowed)
	return allowed, nil
}

// cacheKey builds a deterministic cache key from an AuthzRequest.
func cacheKey(req AuthzRequest) string {
	return fmt.Sprintf("%s:%s:%s:%s", req.User, strings.Join(req.Groups, ","), req.Resource, req.Verb)
}
