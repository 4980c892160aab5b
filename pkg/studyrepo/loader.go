package studyrepo

import (
	"context"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// Closure holds the graph handles a snapshot was loaded from. Save diffs
// against it instead of re-reading the store. A Closure is bound to the
// transaction it was loaded in and can be saved once.
type Closure struct {
	previous study.DefinitionSnapshot
	tx       graph.Tx

	root     *graph.Node
	value    *graph.Node
	latest   *graph.Relationship
	draft    *graph.Relationship
	released *graph.Relationship
	locked   *graph.Relationship
	fields   map[string]*attachment
	project  *attachment

	forUpdate bool
	saved     bool
}

// attachment is a field node and the relationship linking it to a StudyValue.
type attachment struct {
	rel  *graph.Relationship
	node *graph.Node
}

// Previous returns a copy of the snapshot the closure was loaded with.
func (c *Closure) Previous() study.DefinitionSnapshot { return c.previous.Clone() }

// ForUpdate reports whether the study was locked when loaded.
func (c *Closure) ForUpdate() bool { return c.forUpdate }

// Load reads the study with the uid. It returns nil, nil, nil when the
// study does not exist. With forUpdate the study is locked for the rest
// of tx, which must not be nil.
func (r *Repository) Load(ctx context.Context, tx graph.Tx, uid string, forUpdate bool) (snap *study.DefinitionSnapshot, cl *Closure, err error) {
	defer r.observe("load", time.Now(), &err)
	if forUpdate {
		if tx == nil {
			return nil, nil, errNoTransaction("loading a study for update")
		}
		if err := tx.Lock(ctx, lockKey(uid)); err != nil {
			return nil, nil, fmt.Errorf("lock study %s: %w", uid, err)
		}
	}
	err = r.read(ctx, tx, func(rtx graph.Tx) error {
		root, err := rtx.FindNode(ctx, LabelStudyRoot, uid)
		if err != nil || root == nil {
			return err
		}
		s, c, err := r.load(ctx, rtx, root, false)
		if err != nil {
			return fmt.Errorf("load study %s: %w", uid, err)
		}
		c.forUpdate = forUpdate
		c.tx = tx
		snap, cl = &s, c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, cl, nil
}

// lightFields are the StudyField names read for bulk listings, next to the
// StudyValue properties and the project.
var lightFields = mapset.NewSet("study_title", "study_short_title")

// load reconstructs the snapshot rooted at root. In bulk mode only the
// light fields are read and locked versions are ordered by the end date
// of their HAS_VERSION relationship.
func (r *Repository) load(ctx context.Context, tx graph.Tx, root *graph.Node, bulk bool) (study.DefinitionSnapshot, *Closure, error) {
	cl := &Closure{root: root}
	var err error
	if cl.latest, err = singleOutgoing(ctx, tx, root, RelLatest); err != nil {
		return study.DefinitionSnapshot{}, nil, err
	}
	if cl.latest == nil {
		return study.DefinitionSnapshot{}, nil, fmt.Errorf("study root %s has no %s relationship", root.Key, RelLatest)
	}
	if cl.draft, err = singleOutgoing(ctx, tx, root, RelLatestDraft); err != nil {
		return study.DefinitionSnapshot{}, nil, err
	}
	if cl.released, err = singleOutgoing(ctx, tx, root, RelLatestReleased); err != nil {
		return study.DefinitionSnapshot{}, nil, err
	}
	if cl.locked, err = singleOutgoing(ctx, tx, root, RelLatestLocked); err != nil {
		return study.DefinitionSnapshot{}, nil, err
	}
	if cl.value, err = tx.GetNode(ctx, cl.latest.To); err != nil {
		return study.DefinitionSnapshot{}, nil, err
	}
	if cl.value == nil {
		return study.DefinitionSnapshot{}, nil, fmt.Errorf("study root %s points at a missing value node", root.Key)
	}

	var only mapset.Set[string]
	if bulk {
		only = lightFields
	}
	current, fields, project, err := r.readValue(ctx, tx, cl.value, only)
	if err != nil {
		return study.DefinitionSnapshot{}, nil, err
	}
	cl.fields, cl.project = fields, project

	snap := study.DefinitionSnapshot{UID: root.Key, Status: study.StatusLocked}
	if cl.draft.IsOpen() {
		snap.Status = study.StatusDraft
		current.VersionTimestamp = cloneTime(cl.draft.StartDate)
	} else if cl.locked != nil {
		stampLocked(&current, cl.locked)
	}
	snap.CurrentMetadata = current

	if cl.released.IsOpen() {
		node, err := tx.GetNode(ctx, cl.released.To)
		if err != nil {
			return study.DefinitionSnapshot{}, nil, err
		}
		if node != nil {
			released, _, _, err := r.readValue(ctx, tx, node, only)
			if err != nil {
				return study.DefinitionSnapshot{}, nil, err
			}
			released.VersionTimestamp = cloneTime(cl.released.StartDate)
			snap.ReleasedMetadata = &released
		}
	}

	snap.LockedMetadataVersions, err = r.readLockedVersions(ctx, tx, root, only, bulk)
	if err != nil {
		return study.DefinitionSnapshot{}, nil, err
	}
	cl.previous = snap.Clone()
	return snap, cl, nil
}

func (r *Repository) readLockedVersions(ctx context.Context, tx graph.Tx, root *graph.Node, only mapset.Set[string], bulk bool) ([]study.MetadataSnapshot, error) {
	rels, err := tx.Outgoing(ctx, root.ID, RelHasVersion)
	if err != nil {
		return nil, err
	}
	locked := make([]*graph.Relationship, 0, len(rels))
	for _, rel := range rels {
		if rel.Status == string(study.StatusLocked) {
			locked = append(locked, rel)
		}
	}
	slices.SortStableFunc(locked, func(a, b *graph.Relationship) int { return compareTime(a.StartDate, b.StartDate) })

	seen := mapset.NewThreadUnsafeSet[string]()
	versions := make([]*graph.Relationship, 0, len(locked))
	for _, rel := range locked {
		if seen.Add(rel.To) {
			versions = append(versions, rel)
		}
	}
	if bulk {
		slices.SortStableFunc(versions, func(a, b *graph.Relationship) int {
			// Open relationships sort last.
			switch {
			case a.EndDate == nil && b.EndDate == nil:
				return 0
			case a.EndDate == nil:
				return 1
			case b.EndDate == nil:
				return -1
			}
			return a.EndDate.Compare(*b.EndDate)
		})
	}

	out := make([]study.MetadataSnapshot, 0, len(versions))
	for _, rel := range versions {
		node, err := tx.GetNode(ctx, rel.To)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, fmt.Errorf("%s relationship %s points at a missing value node", RelHasVersion, rel.ID)
		}
		m, _, _, err := r.readValue(ctx, tx, node, only)
		if err != nil {
			return nil, err
		}
		stampLocked(&m, rel)
		out = append(out, m)
	}
	return out, nil
}

// readValue reads the StudyValue properties and the field attachments of
// a value node. A non-nil only restricts the StudyField names read.
func (r *Repository) readValue(ctx context.Context, tx graph.Tx, value *graph.Node, only mapset.Set[string]) (study.MetadataSnapshot, map[string]*attachment, *attachment, error) {
	var m study.MetadataSnapshot
	m.StudyNumber = stringProp(value, "study_number")
	m.StudyAcronym = stringProp(value, "study_acronym")
	m.StudyIDPrefix = stringProp(value, "study_id_prefix")

	rels, err := tx.Outgoing(ctx, value.ID, append(slices.Clone(fieldRelTypes), RelHasProject)...)
	if err != nil {
		return m, nil, nil, err
	}
	fields := make(map[string]*attachment, len(rels))
	var project *attachment
	for _, rel := range rels {
		node, err := tx.GetNode(ctx, rel.To)
		if err != nil {
			return m, nil, nil, err
		}
		if node == nil {
			continue
		}
		if rel.Type == RelHasProject {
			project = &attachment{rel: rel, node: node}
			m.ProjectNumber = stringProp(node, "value")
			continue
		}
		name := node.StringProp("field_name")
		cfg, ok := r.fieldsByName[name]
		if !ok {
			r.logger.Debug("skipping unknown study field", "field", name, "node", node.ID)
			continue
		}
		fields[name] = &attachment{rel: rel, node: node}
		if only != nil && !only.Contains(name) {
			continue
		}
		if err := cfg.SetValue(&m, node.Prop("value")); err != nil {
			return m, nil, nil, fmt.Errorf("read field %s: %w", name, err)
		}
		if err := cfg.SetNullValue(&m, stringProp(node, "null_value_code")); err != nil {
			return m, nil, nil, fmt.Errorf("read field %s: %w", name, err)
		}
	}
	return m, fields, project, nil
}

func stampLocked(m *study.MetadataSnapshot, rel *graph.Relationship) {
	m.VersionTimestamp = cloneTime(rel.StartDate)
	if rel.UserInitials != "" {
		author := rel.UserInitials
		m.LockedVersionAuthor = &author
	}
	if rel.ChangeDescription != "" {
		info := rel.ChangeDescription
		m.LockedVersionInfo = &info
	}
}

func singleOutgoing(ctx context.Context, tx graph.Tx, from *graph.Node, relType string) (*graph.Relationship, error) {
	rels, err := tx.Outgoing(ctx, from.ID, relType)
	if err != nil {
		return nil, err
	}
	return graph.Single(rels)
}

func stringProp(n *graph.Node, name string) *string {
	s, ok := n.Prop(name).(string)
	if !ok {
		return nil
	}
	return &s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func compareTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
