// Package terminology resolves the reference data a study points at:
// controlled terminology terms, dictionary terms (e.g. SNOMED), projects
// and library items. Lookups go through the caller's graph transaction and
// are memoized in a TTL cache keyed by uid.
package terminology

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openstudybuilder/study-mdr/pkg/cache"
	"github.com/openstudybuilder/study-mdr/pkg/graph"
)

// Node labels of the reference data.
const (
	LabelCTTerm         = "CTTermRoot"
	LabelDictionaryTerm = "DictionaryTermRoot"
	LabelProject        = "Project"
	LabelLibraryItem    = "LibraryItem"
)

// Resolver looks up reference-data nodes. Missing nodes resolve to nil
// without an error; callers decide which error to report.
type Resolver struct {
	nodes  *cache.LRUCache[string, string]
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache sets the size and TTL of the node id cache.
func WithCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) { r.nodes = cache.NewLRUCache[string, string](size, ttl) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a Resolver with a 1000 entry, five minute cache.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		nodes:  cache.NewLRUCache[string, string](1000, 5*time.Minute),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResolveTerm returns the CTTermRoot (or DictionaryTermRoot when dictionary
// is set) with the uid. CT terms must have a final version.
func (r *Resolver) ResolveTerm(ctx context.Context, tx graph.Tx, termUID string, dictionary bool) (*graph.Node, error) {
	label := LabelCTTerm
	if dictionary {
		label = LabelDictionaryTerm
	}
	n, err := r.find(ctx, tx, label, termUID)
	if err != nil || n == nil {
		return nil, err
	}
	if !dictionary {
		if final, _ := n.Prop("final").(bool); !final {
			r.logger.Debug("term has no final version", "termUid", termUID)
			return nil, nil
		}
	}
	return n, nil
}

// ResolveProject returns the Project node with the project number.
func (r *Resolver) ResolveProject(ctx context.Context, tx graph.Tx, projectNumber string) (*graph.Node, error) {
	return r.find(ctx, tx, LabelProject, projectNumber)
}

// ResolveLibraryItem returns the LibraryItem node with the uid.
func (r *Resolver) ResolveLibraryItem(ctx context.Context, tx graph.Tx, uid string) (*graph.Node, error) {
	return r.find(ctx, tx, LabelLibraryItem, uid)
}

// Invalidate drops every cached lookup.
func (r *Resolver) Invalidate() {
	r.nodes.InvalidateAll()
}

// InvalidateLabels drops the cached lookups of the given labels.
func (r *Resolver) InvalidateLabels(labels ...string) int {
	return r.nodes.InvalidateFunc(func(key string) bool {
		for _, l := range labels {
			if strings.HasPrefix(key, l+":") {
				return true
			}
		}
		return false
	})
}

// CacheStats reports the hit and miss counters of the lookup cache.
func (r *Resolver) CacheStats() cache.Stats {
	return r.nodes.Stats()
}

func (r *Resolver) find(ctx context.Context, tx graph.Tx, label, key string) (*graph.Node, error) {
	cacheKey := label + ":" + key
	if id, ok := r.nodes.Get(cacheKey); ok {
		n, err := tx.GetNode(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get %s %s: %w", label, key, err)
		}
		if n != nil {
			return n, nil
		}
		// The node was cached by a transaction that later rolled back.
		r.nodes.Invalidate(cacheKey)
	}
	n, err := tx.FindNode(ctx, label, key)
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", label, key, err)
	}
	if n != nil {
		r.nodes.Set(cacheKey, n.ID)
	}
	return n, nil
}
