package studyrepo

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// audit records a StudyAction for the change of a value or field node.
// before is nil for Create and after is nil for Delete.
func (s *saveState) audit(ctx context.Context, action string, before, after *graph.Node) error {
	node := &graph.Node{
		Label: LabelStudyAction,
		Props: graph.Props{
			"action":        action,
			"status":        string(s.next.Status),
			"user_initials": s.repo.user,
			"date":          s.ts.Format(time.RFC3339Nano),
		},
	}
	if err := s.tx.CreateNode(ctx, node); err != nil {
		return err
	}
	if err := s.tx.CreateRelationship(ctx, &graph.Relationship{
		Type:         RelAuditTrail,
		From:         s.cl.root.ID,
		To:           node.ID,
		StartDate:    timePtr(s.ts),
		UserInitials: s.repo.user,
	}); err != nil {
		return err
	}
	if before != nil {
		if err := s.tx.CreateRelationship(ctx, &graph.Relationship{Type: RelBefore, From: node.ID, To: before.ID}); err != nil {
			return err
		}
	}
	if after != nil {
		if err := s.tx.CreateRelationship(ctx, &graph.Relationship{Type: RelAfter, From: node.ID, To: after.ID}); err != nil {
			return err
		}
	}
	return nil
}

// FieldChange is one field of an audit trail entry. Before and After are
// display values; nil means the field had no value.
type FieldChange struct {
	Section study.Section `json:"section"`
	Field   string        `json:"field"`
	Before  *string       `json:"before_value"`
	After   *string       `json:"after_value"`
}

// AuditTrailEntry groups the field changes one user made in one save.
type AuditTrailEntry struct {
	StudyUID string        `json:"study_uid"`
	Author   string        `json:"author"`
	Date     time.Time     `json:"date"`
	Action   string        `json:"action"`
	Changes  []FieldChange `json:"changes"`
}

// studyValueAuditFields are the StudyValue properties reported in the
// audit trail.
var studyValueAuditFields = []string{"study_acronym", "study_id", "study_number"}

// AuditTrail returns the field-level audit trail of the study, newest
// first, or nil when the study does not exist.
func (r *Repository) AuditTrail(ctx context.Context, tx graph.Tx, uid string) (entries []AuditTrailEntry, err error) {
	defer r.observe("audit_trail", time.Now(), &err)
	err = r.read(ctx, tx, func(tx graph.Tx) error {
		root, err := tx.FindNode(ctx, LabelStudyRoot, uid)
		if err != nil || root == nil {
			return err
		}
		entries, err = r.auditTrail(ctx, tx, root)
		return err
	})
	return entries, err
}

type auditRow struct {
	date    time.Time
	user    string
	action  string
	changes []FieldChange
}

func (r *Repository) auditTrail(ctx context.Context, tx graph.Tx, root *graph.Node) ([]AuditTrailEntry, error) {
	rels, err := tx.Outgoing(ctx, root.ID, RelAuditTrail)
	if err != nil {
		return nil, err
	}
	rows := make([]auditRow, 0, len(rels))
	for _, rel := range rels {
		node, err := tx.GetNode(ctx, rel.To)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		row, err := r.auditRow(ctx, tx, node)
		if err != nil {
			return nil, err
		}
		if len(row.changes) > 0 {
			rows = append(rows, row)
		}
	}
	// Newest first; within one save keep the order the actions were written.
	slices.SortStableFunc(rows, func(a, b auditRow) int { return b.date.Compare(a.date) })

	var entries []AuditTrailEntry
	index := map[string]int{}
	for _, row := range rows {
		key := row.date.Format(time.RFC3339Nano) + "|" + row.user + "|" + row.action
		i, ok := index[key]
		if !ok {
			i = len(entries)
			index[key] = i
			entries = append(entries, AuditTrailEntry{
				StudyUID: root.Key,
				Author:   row.user,
				Date:     row.date,
				Action:   row.action,
			})
		}
		entries[i].Changes = append(entries[i].Changes, row.changes...)
	}
	if entries == nil {
		entries = []AuditTrailEntry{}
	}
	return entries, nil
}

func (r *Repository) auditRow(ctx context.Context, tx graph.Tx, action *graph.Node) (auditRow, error) {
	row := auditRow{
		user:   action.StringProp("user_initials"),
		action: action.StringProp("action"),
	}
	if d := action.StringProp("date"); d != "" {
		t, err := time.Parse(time.RFC3339Nano, d)
		if err != nil {
			return row, fmt.Errorf("audit action %s has invalid date %q: %w", action.ID, d, err)
		}
		row.date = t.UTC()
	}

	var before, after map[string]*string
	for _, side := range []struct {
		rel string
		out *map[string]*string
	}{{RelBefore, &before}, {RelAfter, &after}} {
		rel, err := singleOutgoing(ctx, tx, action, side.rel)
		if err != nil {
			return row, err
		}
		*side.out = map[string]*string{}
		if rel == nil {
			continue
		}
		node, err := tx.GetNode(ctx, rel.To)
		if err != nil {
			return row, err
		}
		*side.out = r.displayValues(node)
	}

	names := lo.Uniq(append(sortedKeys(before), sortedKeys(after)...))
	for _, name := range names {
		b, a := before[name], after[name]
		if equalString(b, a) {
			continue
		}
		row.changes = append(row.changes, FieldChange{
			Section: study.SectionOf(name),
			Field:   study.TruncateCodeSuffix(name),
			Before:  b,
			After:   a,
		})
	}
	return row, nil
}

// displayValues maps the field names a value or field node stands for to
// their display values. A field node without a value but with a null
// value reason is reported under its null-value-code field name.
func (r *Repository) displayValues(n *graph.Node) map[string]*string {
	out := map[string]*string{}
	if n == nil {
		return out
	}
	switch n.Label {
	case LabelStudyValue:
		for _, name := range studyValueAuditFields {
			out[name] = stringProp(n, name)
		}
		return out
	case LabelProjectField:
		out["project_number"] = stringProp(n, "value")
		return out
	}

	name := n.StringProp("field_name")
	value := n.Prop("value")
	if reason := stringProp(n, "null_value_code"); value == nil && reason != nil {
		nullName := name + "_null_value_code"
		if cfg, ok := r.fieldsByName[name]; ok && cfg.NullValueCode != "" {
			nullName = cfg.NullValueCode
		}
		out[nullName] = reason
		return out
	}
	out[name] = displayValue(value)
	return out
}

func displayValue(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case bool:
		s = strconv.FormatBool(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		s = strings.Join(lo.Map(t, func(e any, _ int) string { return fmt.Sprint(e) }), ", ")
	default:
		s = fmt.Sprint(t)
	}
	return &s
}

func sortedKeys(m map[string]*string) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
