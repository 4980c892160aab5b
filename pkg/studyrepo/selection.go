package studyrepo

import (
	"context"
	"fmt"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
	"github.com/openstudybuilder/study-mdr/pkg/terminology"
)

// AttachSelection adds a selection of the family (e.g. "objectives") to
// the latest value of a draft study. props are stored on the selection
// node; the relationship records its position within the family. A
// non-empty libraryItemUID links the selection to that library item.
func (r *Repository) AttachSelection(ctx context.Context, tx graph.Tx, uid, familyName string, props graph.Props, libraryItemUID string) (*graph.Node, error) {
	if tx == nil {
		return nil, errNoTransaction("attaching a study selection")
	}
	if r.user == "" {
		return nil, study.Precondition("NO_USER", "attaching a study selection requires an acting user")
	}
	family, ok := FamilyByName(familyName)
	if !ok {
		return nil, &study.ValidationError{Field: "family", Message: fmt.Sprintf("unknown selection family %q", familyName)}
	}
	if err := tx.Lock(ctx, lockKey(uid)); err != nil {
		return nil, fmt.Errorf("lock study %s: %w", uid, err)
	}
	root, err := tx.FindNode(ctx, LabelStudyRoot, uid)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: study %s", study.ErrNotFound, uid)
	}
	draft, err := singleOutgoing(ctx, tx, root, RelLatestDraft)
	if err != nil {
		return nil, err
	}
	if !draft.IsOpen() {
		return nil, &study.TransitionError{
			Code:    "STUDY_NOT_EDITABLE",
			From:    study.StatusLocked,
			Action:  "select " + family.Name,
			Message: fmt.Sprintf("study %s is locked; create a new draft before changing selections", uid),
		}
	}
	value, err := latestValue(ctx, tx, root)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("study root %s has no %s relationship", uid, RelLatest)
	}

	var item *graph.Node
	if libraryItemUID != "" {
		if item, err = tx.FindNode(ctx, terminology.LabelLibraryItem, libraryItemUID); err != nil {
			return nil, err
		}
		if item == nil {
			return nil, fmt.Errorf("%w: library item %s", study.ErrNotFound, libraryItemUID)
		}
	}

	existing, err := tx.Outgoing(ctx, value.ID, family.RelType)
	if err != nil {
		return nil, err
	}
	nodeProps := graph.Props{}
	for k, v := range props {
		nodeProps[k] = v
	}
	nodeProps["study_uid"] = uid
	sel := &graph.Node{Label: family.Label, Key: uid, Props: nodeProps}
	if err := tx.CreateNode(ctx, sel); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if err := tx.CreateRelationship(ctx, &graph.Relationship{
		Type:         family.RelType,
		From:         value.ID,
		To:           sel.ID,
		StartDate:    &now,
		Status:       string(study.StatusDraft),
		UserInitials: r.user,
		Props:        graph.Props{"order": len(existing) + 1},
	}); err != nil {
		return nil, err
	}
	if item != nil {
		if err := tx.CreateRelationship(ctx, &graph.Relationship{Type: RelHasSelected, From: sel.ID, To: item.ID}); err != nil {
			return nil, err
		}
	}
	r.logger.Debug("attached study selection", "uid", uid, "family", family.Name, "node", sel.ID)
	return sel, nil
}
