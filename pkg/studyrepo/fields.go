package studyrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

func (s *saveState) maintainScalarFields(ctx context.Context) error {
	return s.maintainFields(ctx, func(c study.FieldConfig) bool { return c.Kind.Scalar() })
}

func (s *saveState) maintainArrayFields(ctx context.Context) error {
	return s.maintainFields(ctx, func(c study.FieldConfig) bool { return c.Kind == study.KindCodelistMultiselect })
}

func (s *saveState) maintainRegistryFields(ctx context.Context) error {
	return s.maintainFields(ctx, func(c study.FieldConfig) bool { return c.Kind == study.KindRegistry })
}

func (s *saveState) maintainFields(ctx context.Context, match func(study.FieldConfig) bool) error {
	for _, cfg := range s.repo.fields {
		if cfg.VersionMetadata() || !match(cfg) {
			continue
		}
		if err := s.maintainField(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// maintainField attaches the field node matching the new value and null
// value code to the current StudyValue. On a reused StudyValue the
// previous field node is detached.
func (s *saveState) maintainField(ctx context.Context, cfg study.FieldConfig) error {
	prev, next := &s.prev.CurrentMetadata, &s.next.CurrentMetadata
	oldValue, newValue := cfg.Value(prev), cfg.Value(next)
	oldNull, newNull := cfg.NullValue(prev), cfg.NullValue(next)
	if !s.valueChanged && reflect.DeepEqual(oldValue, newValue) && equalString(oldNull, newNull) {
		return nil
	}

	var node *graph.Node
	if newValue != nil || newNull != nil {
		var err error
		node, err = s.fieldNode(ctx, cfg, newValue, newNull)
		if err != nil {
			return err
		}
	}
	return s.attach(ctx, storageByKind[cfg.Kind].rel, s.cl.fields[cfg.Name], node)
}

// maintainProject attaches the StudyProjectField of the project number.
func (s *saveState) maintainProject(ctx context.Context) error {
	oldNumber, newNumber := s.prev.CurrentMetadata.ProjectNumber, s.next.CurrentMetadata.ProjectNumber
	if !s.valueChanged && equalString(oldNumber, newNumber) {
		return nil
	}
	var node *graph.Node
	if newNumber != nil {
		var err error
		if node, err = s.projectField(ctx, *newNumber); err != nil {
			return err
		}
	}
	return s.attach(ctx, RelHasProject, s.cl.project, node)
}

// attach links node to the current StudyValue with relType, detaches the
// previous attachment when the StudyValue is reused, and records an audit
// action when the field node changed.
func (s *saveState) attach(ctx context.Context, relType string, prev *attachment, node *graph.Node) error {
	var before *graph.Node
	if prev != nil {
		before = prev.node
	}
	same := before != nil && node != nil && before.ID == node.ID

	if node != nil && !(same && !s.valueChanged) {
		if err := s.tx.CreateRelationship(ctx, &graph.Relationship{Type: relType, From: s.value.ID, To: node.ID}); err != nil {
			return err
		}
	}
	if prev != nil && !same && !s.valueChanged {
		if err := s.tx.DeleteRelationship(ctx, prev.rel.ID); err != nil {
			return err
		}
	}
	if same || (before == nil && node == nil) {
		return nil
	}
	action := ActionEdit
	switch {
	case before == nil:
		action = ActionCreate
	case node == nil:
		action = ActionDelete
	}
	return s.audit(ctx, action, before, node)
}

// fieldNode returns the study's field node for the value and null value
// code, creating it with its term links on first use.
func (s *saveState) fieldNode(ctx context.Context, cfg study.FieldConfig, value any, nullCode *string) (*graph.Node, error) {
	storage := storageByKind[cfg.Kind]
	key, err := fieldKey(s.next.UID, cfg.Name, value, nullCode)
	if err != nil {
		return nil, err
	}
	node, err := s.tx.FindNode(ctx, storage.label, key)
	if err != nil || node != nil {
		return node, err
	}

	node = &graph.Node{
		Label: storage.label,
		Key:   key,
		Props: graph.Props{
			"study_uid":       s.next.UID,
			"field_name":      cfg.Name,
			"value":           value,
			"null_value_code": derefOrNil(nullCode),
		},
	}
	if err := s.tx.CreateNode(ctx, node); err != nil {
		return nil, err
	}

	if value != nil {
		for _, link := range s.repo.termLinks(cfg, value) {
			term, err := s.repo.terms.ResolveTerm(ctx, s.tx, link.uid, link.dictionary)
			if err != nil {
				return nil, err
			}
			if term == nil {
				return nil, &study.TermNotFoundError{TermUID: link.uid, Field: cfg.Name, Dictionary: link.dictionary}
			}
			relType := RelHasType
			if link.dictionary {
				relType = RelHasDictionaryType
			}
			if err := s.tx.CreateRelationship(ctx, &graph.Relationship{Type: relType, From: node.ID, To: term.ID}); err != nil {
				return nil, err
			}
		}
	}
	if nullCode != nil {
		term, err := s.repo.terms.ResolveTerm(ctx, s.tx, *nullCode, false)
		if err != nil {
			return nil, err
		}
		if term == nil {
			return nil, &study.TermNotFoundError{TermUID: *nullCode, Field: s.repo.nullFlavorField}
		}
		if err := s.tx.CreateRelationship(ctx, &graph.Relationship{Type: RelHasReasonForNullValue, From: node.ID, To: term.ID}); err != nil {
			return nil, err
		}
	}
	s.repo.logger.Debug("created study field", "uid", s.next.UID, "field", cfg.Name, "node", node.ID)
	return node, nil
}

func (s *saveState) projectField(ctx context.Context, number string) (*graph.Node, error) {
	key, err := fieldKey(s.next.UID, "project_number", number, nil)
	if err != nil {
		return nil, err
	}
	node, err := s.tx.FindNode(ctx, LabelProjectField, key)
	if err != nil || node != nil {
		return node, err
	}
	project, err := s.repo.projects.ResolveProject(ctx, s.tx, number)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, &study.ProjectNotFoundError{ProjectNumber: number}
	}
	node = &graph.Node{
		Label: LabelProjectField,
		Key:   key,
		Props: graph.Props{"study_uid": s.next.UID, "field_name": "project_number", "value": number},
	}
	if err := s.tx.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	if err := s.tx.CreateRelationship(ctx, &graph.Relationship{Type: RelHasField, From: project.ID, To: node.ID}); err != nil {
		return nil, err
	}
	return node, nil
}

type termLink struct {
	uid        string
	dictionary bool
}

// termLinks lists the terms a field node with the value is typed with.
func (r *Repository) termLinks(cfg study.FieldConfig, value any) []termLink {
	switch {
	case cfg.Kind == study.KindBool:
		if b, ok := value.(bool); ok {
			if b {
				return []termLink{{uid: r.booleanYes}}
			}
			return []termLink{{uid: r.booleanNo}}
		}
		return nil
	case cfg.TermUID != "":
		return []termLink{{uid: cfg.TermUID}}
	case cfg.CodelistUID != "" || cfg.DictionaryTerm:
		switch v := value.(type) {
		case string:
			return []termLink{{uid: v, dictionary: cfg.DictionaryTerm}}
		case []string:
			links := make([]termLink, 0, len(v))
			for _, uid := range v {
				links = append(links, termLink{uid: uid, dictionary: cfg.DictionaryTerm})
			}
			return links
		}
	}
	return nil
}

// fieldKey identifies a field node within a study. Values are hashed so
// long free-text fields fit the key column.
func fieldKey(studyUID, field string, value any, nullCode *string) (string, error) {
	canonical, err := json.Marshal([]any{value, derefOrNil(nullCode)})
	if err != nil {
		return "", fmt.Errorf("encode %s value: %w", field, err)
	}
	sum := sha256.Sum256(canonical)
	return studyUID + "|" + field + "|" + hex.EncodeToString(sum[:]), nil
}
