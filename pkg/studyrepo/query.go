package studyrepo

import (
	"context"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
	"github.com/openstudybuilder/study-mdr/pkg/terminology"
)

// SortField orders a listing by one field.
type SortField struct {
	Field     string
	Ascending bool
}

// ListOptions filters, sorts and pages a study listing. The Has* options
// keep studies whose latest value has (true) or lacks (false) at least one
// selection of the family; nil does not filter.
type ListOptions struct {
	HasStudyObjective           *bool
	HasStudyEndpoint            *bool
	HasStudyCriteria            *bool
	HasStudyActivity            *bool
	HasStudyActivityInstruction *bool

	// SortBy defaults to uid ascending.
	SortBy []SortField
	// PageNumber is 1-based; PageSize 0 returns every item.
	PageNumber int
	PageSize   int
	// Filter is a ParseFilter expression.
	Filter string
	// TotalCount requests the number of matching studies before paging.
	TotalCount bool
}

// ListResult is one page of a study listing. TotalCount is 0 unless it was
// requested.
type ListResult struct {
	Items      []study.DefinitionSnapshot `json:"items"`
	TotalCount int                        `json:"total"`
	PageNumber int                        `json:"page"`
	PageSize   int                        `json:"size"`
}

// List returns studies with their light metadata: identification, project,
// titles and version timestamp of the current, released and locked views.
func (r *Repository) List(ctx context.Context, tx graph.Tx, opts ListOptions) (res ListResult, err error) {
	defer r.observe("list", time.Now(), &err)
	err = r.read(ctx, tx, func(tx graph.Tx) error {
		roots, err := tx.ListNodes(ctx, LabelStudyRoot)
		if err != nil {
			return err
		}
		res, err = r.list(ctx, tx, roots, opts)
		return err
	})
	return res, err
}

// ListByLibraryItem lists the studies whose latest value has a selection
// pointing at the library item, directly or through an item derived from it.
func (r *Repository) ListByLibraryItem(ctx context.Context, tx graph.Tx, libraryItemUID string, opts ListOptions) (res ListResult, err error) {
	defer r.observe("list_by_library_item", time.Now(), &err)
	err = r.read(ctx, tx, func(tx graph.Tx) error {
		item, err := tx.FindNode(ctx, terminology.LabelLibraryItem, libraryItemUID)
		if err != nil {
			return err
		}
		if item == nil {
			res, err = r.list(ctx, tx, nil, opts)
			return err
		}
		roots, err := r.rootsSelecting(ctx, tx, item)
		if err != nil {
			return err
		}
		res, err = r.list(ctx, tx, roots, opts)
		return err
	})
	return res, err
}

func (r *Repository) rootsSelecting(ctx context.Context, tx graph.Tx, item *graph.Node) ([]*graph.Node, error) {
	targets := []string{item.ID}
	derived, err := tx.Incoming(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	for _, rel := range derived {
		src, err := tx.GetNode(ctx, rel.From)
		if err != nil {
			return nil, err
		}
		if src != nil && src.Label == terminology.LabelLibraryItem {
			targets = append(targets, src.ID)
		}
	}

	values := mapset.NewThreadUnsafeSet[string]()
	for _, target := range lo.Uniq(targets) {
		selected, err := tx.Incoming(ctx, target, RelHasSelected)
		if err != nil {
			return nil, err
		}
		for _, sel := range selected {
			owners, err := tx.Incoming(ctx, sel.From, selectionRelTypeList...)
			if err != nil {
				return nil, err
			}
			for _, o := range owners {
				values.Add(o.From)
			}
		}
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	var roots []*graph.Node
	for _, valueID := range values.ToSlice() {
		latest, err := tx.Incoming(ctx, valueID, RelLatest)
		if err != nil {
			return nil, err
		}
		for _, rel := range latest {
			if !seen.Add(rel.From) {
				continue
			}
			root, err := tx.GetNode(ctx, rel.From)
			if err != nil {
				return nil, err
			}
			if root != nil {
				roots = append(roots, root)
			}
		}
	}
	return roots, nil
}

type listed struct {
	snap  study.DefinitionSnapshot
	value *graph.Node
}

func (r *Repository) list(ctx context.Context, tx graph.Tx, roots []*graph.Node, opts ListOptions) (ListResult, error) {
	filter, err := ParseFilterOrNil(opts.Filter)
	if err != nil {
		return ListResult{}, err
	}
	sortBy := opts.SortBy
	if len(sortBy) == 0 {
		sortBy = []SortField{{Field: "uid", Ascending: true}}
	}
	for _, sf := range sortBy {
		if _, ok := listFields[sf.Field]; !ok {
			return ListResult{}, &study.ValidationError{Field: "sort_by", Message: fmt.Sprintf("cannot sort by %q", sf.Field)}
		}
	}
	if opts.PageNumber < 0 || opts.PageSize < 0 {
		return ListResult{}, &study.ValidationError{Field: "page_number", Message: "page number and size must not be negative"}
	}

	items := make([]listed, 0, len(roots))
	for _, root := range roots {
		snap, cl, err := r.load(ctx, tx, root, true)
		if err != nil {
			return ListResult{}, fmt.Errorf("list study %s: %w", root.Key, err)
		}
		items = append(items, listed{snap: snap, value: cl.value})
	}

	presence := []struct {
		want   *bool
		family string
	}{
		{opts.HasStudyObjective, "HAS_STUDY_OBJECTIVE"},
		{opts.HasStudyEndpoint, "HAS_STUDY_ENDPOINT"},
		{opts.HasStudyCriteria, "HAS_STUDY_CRITERIA"},
		{opts.HasStudyActivity, "HAS_STUDY_ACTIVITY"},
		{opts.HasStudyActivityInstruction, "HAS_STUDY_ACTIVITY_INSTRUCTION"},
	}
	var filterErr error
	items = lo.Filter(items, func(it listed, _ int) bool {
		if filterErr != nil || !filter.Match(it.snap) {
			return false
		}
		for _, p := range presence {
			if p.want == nil {
				continue
			}
			rels, err := tx.Outgoing(ctx, it.value.ID, p.family)
			if err != nil {
				filterErr = err
				return false
			}
			if (len(rels) > 0) != *p.want {
				return false
			}
		}
		return true
	})
	if filterErr != nil {
		return ListResult{}, filterErr
	}

	slices.SortStableFunc(items, func(a, b listed) int {
		for _, sf := range sortBy {
			c := compareOptional(listFields[sf.Field](a.snap), listFields[sf.Field](b.snap))
			if !sf.Ascending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})

	res := ListResult{PageNumber: opts.PageNumber, PageSize: opts.PageSize}
	if opts.TotalCount {
		res.TotalCount = len(items)
	}
	if opts.PageSize > 0 {
		page := max(opts.PageNumber, 1)
		start := (page - 1) * opts.PageSize
		items = lo.Slice(items, start, start+opts.PageSize)
	}
	res.Items = lo.Map(items, func(it listed, _ int) study.DefinitionSnapshot { return it.snap })
	return res, nil
}

// ParseFilterOrNil parses expr, returning a nil filter for an empty expression.
func ParseFilterOrNil(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	return ParseFilter(expr)
}

// compareOptional orders missing values last.
func compareOptional(a, b *string) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}
