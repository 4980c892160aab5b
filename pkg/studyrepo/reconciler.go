package studyrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// saveState carries one reconciliation from the previous to the next
// snapshot. value is the StudyValue node the next snapshot lives on.
type saveState struct {
	repo *Repository
	tx   graph.Tx
	cl   *Closure
	prev study.DefinitionSnapshot
	next study.DefinitionSnapshot
	ts   time.Time

	value        *graph.Node
	valueChanged bool
	// released is the StudyValue a release recorded in this save points at.
	released *graph.Node
}

// Create persists a brand-new draft study. The snapshot must not carry
// released or locked metadata and its study number must be unused.
func (r *Repository) Create(ctx context.Context, tx graph.Tx, snap study.DefinitionSnapshot) (err error) {
	defer r.observe("create", time.Now(), &err)
	if tx == nil {
		return errNoTransaction("creating a study")
	}
	if r.user == "" {
		return study.Precondition("NO_USER", "creating a study requires an acting user")
	}
	if snap.UID == "" {
		return &study.ValidationError{Field: "uid", Message: "uid is required"}
	}
	if snap.Deleted {
		return study.NotImplemented("creating a deleted study")
	}
	if snap.Status != study.StatusDraft {
		return study.Precondition("INVALID_STATUS", "a new study must be %s, got %q", study.StatusDraft, snap.Status)
	}
	if snap.ReleasedMetadata != nil || len(snap.LockedMetadataVersions) > 0 {
		return study.NotImplemented("creating a study with released or locked metadata")
	}
	if err := study.ValidateMetadata(snap.CurrentMetadata); err != nil {
		return err
	}

	if err := tx.Lock(ctx, lockKey(snap.UID)); err != nil {
		return fmt.Errorf("lock study %s: %w", snap.UID, err)
	}
	existing, err := tx.FindNode(ctx, LabelStudyRoot, snap.UID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: study %s already exists", study.ErrConflict, snap.UID)
	}
	if number := snap.CurrentMetadata.StudyNumber; number != nil {
		if err := tx.Lock(ctx, numberLockKey(*number)); err != nil {
			return fmt.Errorf("lock study number %s: %w", *number, err)
		}
		used, err := r.FindUIDByStudyNumber(ctx, tx, *number)
		if err != nil {
			return err
		}
		if used != "" {
			return fmt.Errorf("%w: study number %s is already used by %s", study.ErrConflict, *number, used)
		}
	}
	root := &graph.Node{Label: LabelStudyRoot, Key: snap.UID, Props: graph.Props{"uid": snap.UID}}
	if err := tx.CreateNode(ctx, root); err != nil {
		return err
	}

	cl := &Closure{
		previous:  study.DefinitionSnapshot{UID: snap.UID},
		tx:        tx,
		root:      root,
		fields:    map[string]*attachment{},
		forUpdate: true,
	}
	if err := r.reconcile(ctx, tx, cl, snap); err != nil {
		return fmt.Errorf("create study %s: %w", snap.UID, err)
	}
	cl.saved = true
	r.logger.Info("study created", "uid", snap.UID, "user", r.user)
	return nil
}

// Save reconciles the store with next, given the closure it was loaded
// with. Saving a snapshot equal to the loaded one performs no writes.
func (r *Repository) Save(ctx context.Context, tx graph.Tx, next study.DefinitionSnapshot, cl *Closure) (err error) {
	defer r.observe("save", time.Now(), &err)
	if err := r.checkSave(tx, next, cl); err != nil {
		return err
	}
	if next.Equal(cl.previous) {
		r.logger.Debug("study unchanged, nothing to save", "uid", next.UID)
		cl.saved = true
		return nil
	}
	if err := r.reconcile(ctx, tx, cl, next); err != nil {
		return fmt.Errorf("save study %s: %w", next.UID, err)
	}
	cl.saved = true

	if len(next.LockedMetadataVersions) > len(cl.previous.LockedMetadataVersions) {
		r.logger.Info("study locked", "uid", next.UID, "user", r.user, "lockedVersions", len(next.LockedMetadataVersions))
	}
	if next.ReleasedMetadata != nil && !sameMetadata(cl.previous.ReleasedMetadata, next.ReleasedMetadata) {
		r.logger.Info("study released", "uid", next.UID, "user", r.user)
	}
	return nil
}

func (r *Repository) checkSave(tx graph.Tx, next study.DefinitionSnapshot, cl *Closure) error {
	if tx == nil {
		return errNoTransaction("saving a study")
	}
	if cl == nil || !cl.forUpdate {
		return study.Precondition("NOT_LOADED_FOR_UPDATE", "the study must be loaded for update before it is saved")
	}
	if cl.tx != tx {
		return study.Precondition("FOREIGN_TRANSACTION", "the study was loaded in another transaction")
	}
	if cl.saved {
		return study.Precondition("ALREADY_SAVED", "study %s was already saved with this closure", cl.previous.UID)
	}
	if r.user == "" {
		return study.Precondition("NO_USER", "saving a study requires an acting user")
	}
	prev := cl.previous
	if next.Deleted {
		return study.NotImplemented("soft delete of a study")
	}
	if !next.Status.Valid() {
		return study.Precondition("INVALID_STATUS", "study status must be %s or %s, got %q", study.StatusDraft, study.StatusLocked, next.Status)
	}
	if next.UID != prev.UID {
		return study.Precondition("UID_CHANGED", "study uid cannot change from %s to %s", prev.UID, next.UID)
	}
	if next.Status != study.StatusDraft && next.ReleasedMetadata != nil {
		return study.Precondition("RELEASED_NOT_DRAFT", "released metadata requires status %s", study.StatusDraft)
	}
	if len(next.LockedMetadataVersions) < len(prev.LockedMetadataVersions) {
		return study.Precondition("LOCKED_HISTORY_CHANGED", "locked versions cannot be removed")
	}
	for i, v := range prev.LockedMetadataVersions {
		if !v.Equal(next.LockedMetadataVersions[i]) {
			return study.Precondition("LOCKED_HISTORY_CHANGED", "locked version %d cannot change", i+1)
		}
	}
	if len(next.LockedMetadataVersions)-len(prev.LockedMetadataVersions) > 1 {
		return study.NotImplemented("locking a study more than once per save")
	}
	if author := next.CurrentMetadata.LockedVersionAuthor; author != nil && *author != r.user {
		return study.Precondition("AUTHOR_MISMATCH", "locked version author %s is not the acting user %s", *author, r.user)
	}
	return nil
}

// reconcile applies the graph writes that turn cl.previous into next. The
// steps run in a fixed order: every later step attaches to the StudyValue
// node settled in the first one.
func (r *Repository) reconcile(ctx context.Context, tx graph.Tx, cl *Closure, next study.DefinitionSnapshot) error {
	s := &saveState{
		repo:  r,
		tx:    tx,
		cl:    cl,
		prev:  cl.previous,
		next:  next,
		value: cl.value,
		ts:    r.now().UTC(),
	}
	if next.CurrentMetadata.VersionTimestamp != nil {
		s.ts = next.CurrentMetadata.VersionTimestamp.UTC()
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"latest value", s.maintainLatestValue},
		{"latest draft", s.maintainDraft},
		{"latest locked", s.maintainLocked},
		{"latest released", s.maintainReleased},
		{"version history", s.maintainVersions},
		{"scalar fields", s.maintainScalarFields},
		{"array fields", s.maintainArrayFields},
		{"registry fields", s.maintainRegistryFields},
		{"project", s.maintainProject},
		{"selections", s.rewireSelections},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("maintain %s: %w", step.name, err)
		}
	}
	return nil
}

// maintainLatestValue creates a new StudyValue when a value-node property,
// the status or the released metadata changed and points LATEST at it.
// A release leaves the previous StudyValue to the released version, so the
// draft never shares a node with it.
func (s *saveState) maintainLatestValue(ctx context.Context) error {
	s.valueChanged = s.cl.value == nil ||
		!s.prev.CurrentMetadata.SameStudyValue(s.next.CurrentMetadata) ||
		s.prev.Status != s.next.Status ||
		!sameMetadata(s.prev.ReleasedMetadata, s.next.ReleasedMetadata)
	if !s.valueChanged {
		s.repo.logger.Debug("reusing study value", "uid", s.next.UID, "node", s.value.ID)
		return nil
	}

	m := s.next.CurrentMetadata
	value := &graph.Node{
		Label: LabelStudyValue,
		Key:   s.next.UID,
		Props: graph.Props{
			"study_number":    derefOrNil(m.StudyNumber),
			"study_acronym":   derefOrNil(m.StudyAcronym),
			"study_id_prefix": derefOrNil(m.StudyIDPrefix),
			"study_id":        derefOrNil(m.StudyID()),
		},
	}
	if err := s.tx.CreateNode(ctx, value); err != nil {
		return err
	}
	s.value = value
	s.repo.logger.Debug("created study value", "uid", s.next.UID, "node", value.ID)

	if s.cl.latest != nil {
		rel := s.cl.latest.Clone()
		rel.To = value.ID
		if err := s.tx.UpdateRelationship(ctx, rel); err != nil {
			return err
		}
	} else if err := s.tx.CreateRelationship(ctx, &graph.Relationship{Type: RelLatest, From: s.cl.root.ID, To: value.ID}); err != nil {
		return err
	}

	action := ActionEdit
	if s.cl.value == nil {
		action = ActionCreate
	}
	return s.audit(ctx, action, s.cl.value, value)
}

func (s *saveState) maintainDraft(ctx context.Context) error {
	if s.next.Status == study.StatusDraft {
		if s.cl.draft == nil {
			return s.tx.CreateRelationship(ctx, &graph.Relationship{
				Type:         RelLatestDraft,
				From:         s.cl.root.ID,
				To:           s.value.ID,
				StartDate:    timePtr(s.ts),
				UserInitials: s.repo.user,
			})
		}
		rel := s.cl.draft.Clone()
		rel.StartDate = timePtr(s.ts)
		rel.EndDate = nil
		rel.UserInitials = s.repo.user
		rel.To = s.value.ID
		return s.tx.UpdateRelationship(ctx, rel)
	}
	if s.cl.draft.IsOpen() {
		rel := s.cl.draft.Clone()
		rel.EndDate = timePtr(s.ts)
		return s.tx.UpdateRelationship(ctx, rel)
	}
	return nil
}

func (s *saveState) maintainLocked(ctx context.Context) error {
	count := len(s.next.LockedMetadataVersions)
	if count == len(s.prev.LockedMetadataVersions) {
		return nil
	}
	if count != len(s.prev.LockedMetadataVersions)+1 {
		return study.NotImplemented("locking a study more than once per save")
	}
	version := count
	rel := &graph.Relationship{Type: RelLatestLocked, From: s.cl.root.ID}
	if s.cl.locked != nil {
		rel = s.cl.locked.Clone()
	}
	rel.To = s.value.ID
	rel.StartDate = timePtr(s.ts)
	rel.EndDate = nil
	rel.Status = string(study.StatusLocked)
	rel.UserInitials = s.repo.user
	rel.Version = &version
	rel.ChangeDescription = s.lockInfo()
	s.repo.logger.Debug("moving latest locked", "uid", s.next.UID, "version", version)
	if s.cl.locked != nil {
		return s.tx.UpdateRelationship(ctx, rel)
	}
	return s.tx.CreateRelationship(ctx, rel)
}

func (s *saveState) maintainReleased(ctx context.Context) error {
	if sameMetadata(s.prev.ReleasedMetadata, s.next.ReleasedMetadata) {
		return nil
	}
	if s.next.ReleasedMetadata == nil {
		if s.cl.released.IsOpen() {
			rel := s.cl.released.Clone()
			rel.EndDate = timePtr(s.ts)
			return s.tx.UpdateRelationship(ctx, rel)
		}
		return nil
	}
	start := s.releaseStart()
	s.released = s.value
	if s.next.Status == study.StatusDraft && s.cl.value != nil {
		s.released = s.cl.value
	}
	if s.cl.released == nil {
		return s.tx.CreateRelationship(ctx, &graph.Relationship{
			Type:         RelLatestReleased,
			From:         s.cl.root.ID,
			To:           s.released.ID,
			StartDate:    timePtr(start),
			UserInitials: s.repo.user,
		})
	}
	rel := s.cl.released.Clone()
	rel.StartDate = timePtr(start)
	rel.EndDate = nil
	rel.UserInitials = s.repo.user
	rel.To = s.released.ID
	return s.tx.UpdateRelationship(ctx, rel)
}

func (s *saveState) releaseStart() time.Time {
	if t := s.next.ReleasedMetadata.VersionTimestamp; t != nil {
		return t.UTC()
	}
	return s.ts
}

// maintainVersions closes every open HAS_VERSION of the root and opens a
// new one on the current value node. A release adds a closed RELEASED
// entry on the released value node.
func (s *saveState) maintainVersions(ctx context.Context) error {
	rels, err := s.tx.Outgoing(ctx, s.cl.root.ID, RelHasVersion)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if !rel.IsOpen() {
			continue
		}
		closed := rel.Clone()
		closed.EndDate = timePtr(s.ts)
		if err := s.tx.UpdateRelationship(ctx, closed); err != nil {
			return err
		}
	}

	if s.released != nil {
		if err := s.tx.CreateRelationship(ctx, &graph.Relationship{
			Type:         RelHasVersion,
			From:         s.cl.root.ID,
			To:           s.released.ID,
			StartDate:    timePtr(s.releaseStart()),
			EndDate:      timePtr(s.ts),
			Status:       string(study.StatusReleased),
			UserInitials: s.repo.user,
		}); err != nil {
			return err
		}
	}

	rel := &graph.Relationship{
		Type:         RelHasVersion,
		From:         s.cl.root.ID,
		To:           s.value.ID,
		StartDate:    timePtr(s.ts),
		Status:       string(s.next.Status),
		UserInitials: s.repo.user,
	}
	if s.next.Status == study.StatusLocked {
		version := len(s.next.LockedMetadataVersions)
		rel.Version = &version
		rel.ChangeDescription = s.lockInfo()
	}
	return s.tx.CreateRelationship(ctx, rel)
}

// rewireSelections moves every selection relationship from the previous
// StudyValue to the new one. Relationship columns and props are kept. When
// the previous StudyValue was just released it keeps its selections and the
// new one gets copies.
func (s *saveState) rewireSelections(ctx context.Context) error {
	if !s.valueChanged || s.cl.value == nil {
		return nil
	}
	rels, err := s.tx.Outgoing(ctx, s.cl.value.ID, selectionRelTypeList...)
	if err != nil {
		return err
	}
	keep := s.released != nil && s.released.ID == s.cl.value.ID
	for _, rel := range rels {
		if !keep {
			if err := s.tx.DeleteRelationship(ctx, rel.ID); err != nil {
				return err
			}
		}
		moved := rel.Clone()
		moved.ID = ""
		moved.From = s.value.ID
		if err := s.tx.CreateRelationship(ctx, moved); err != nil {
			return err
		}
	}
	if len(rels) > 0 {
		s.repo.logger.Debug("moved study selections", "uid", s.next.UID, "count", len(rels))
	}
	return nil
}

func (s *saveState) lockInfo() string {
	if info := s.next.CurrentMetadata.LockedVersionInfo; info != nil {
		return *info
	}
	if n := len(s.next.LockedMetadataVersions); n > 0 {
		if info := s.next.LockedMetadataVersions[n-1].LockedVersionInfo; info != nil {
			return *info
		}
	}
	return ""
}

func sameMetadata(a, b *study.MetadataSnapshot) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timePtr(t time.Time) *time.Time { return &t }
