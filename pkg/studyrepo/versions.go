package studyrepo

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// Version is one entry of a study's version history, read from a
// HAS_VERSION relationship and the StudyValue it points at.
type Version struct {
	Status            study.Status           `json:"status"`
	Version           *int                   `json:"version,omitempty"`
	StartDate         *time.Time             `json:"start_date"`
	EndDate           *time.Time             `json:"end_date,omitempty"`
	Author            string                 `json:"author"`
	ChangeDescription string                 `json:"change_description,omitempty"`
	Metadata          study.MetadataSnapshot `json:"metadata"`
}

// History lists the versions of the study, newest first: every locked and
// released version plus the open draft. It returns nil when the study does
// not exist.
func (r *Repository) History(ctx context.Context, tx graph.Tx, uid string) (out []Version, err error) {
	defer r.observe("history", time.Now(), &err)
	err = r.read(ctx, tx, func(tx graph.Tx) error {
		rels, root, err := r.versionRels(ctx, tx, uid)
		if err != nil || root == nil {
			return err
		}
		out = make([]Version, 0, len(rels))
		for _, rel := range rels {
			if rel.Status == string(study.StatusDraft) && !rel.IsOpen() {
				continue
			}
			v, err := r.readVersion(ctx, tx, rel)
			if err != nil {
				return fmt.Errorf("read version history of %s: %w", uid, err)
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// LoadVersion returns the locked version with the number, or nil when the
// study or the version does not exist.
func (r *Repository) LoadVersion(ctx context.Context, tx graph.Tx, uid string, number int) (v *Version, err error) {
	defer r.observe("load_version", time.Now(), &err)
	err = r.read(ctx, tx, func(tx graph.Tx) error {
		rels, _, err := r.versionRels(ctx, tx, uid)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			if rel.Status != string(study.StatusLocked) || rel.Version == nil || *rel.Version != number {
				continue
			}
			found, err := r.readVersion(ctx, tx, rel)
			if err != nil {
				return fmt.Errorf("load version %d of %s: %w", number, uid, err)
			}
			v = &found
			return nil
		}
		return nil
	})
	return v, err
}

// LatestReleasedAt returns the newest released version whose release
// started at or before at, or nil when there is none.
func (r *Repository) LatestReleasedAt(ctx context.Context, tx graph.Tx, uid string, at time.Time) (v *Version, err error) {
	defer r.observe("latest_released", time.Now(), &err)
	err = r.read(ctx, tx, func(tx graph.Tx) error {
		rels, _, err := r.versionRels(ctx, tx, uid)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			if rel.Status != string(study.StatusReleased) || rel.StartDate == nil || rel.StartDate.After(at) {
				continue
			}
			found, err := r.readVersion(ctx, tx, rel)
			if err != nil {
				return err
			}
			v = &found
			return nil
		}
		return nil
	})
	return v, err
}

// versionRels returns the HAS_VERSION relationships of the study sorted by
// start date, newest first. Open relationships win ties.
func (r *Repository) versionRels(ctx context.Context, tx graph.Tx, uid string) ([]*graph.Relationship, *graph.Node, error) {
	root, err := tx.FindNode(ctx, LabelStudyRoot, uid)
	if err != nil || root == nil {
		return nil, nil, err
	}
	rels, err := tx.Outgoing(ctx, root.ID, RelHasVersion)
	if err != nil {
		return nil, nil, err
	}
	slices.SortStableFunc(rels, func(a, b *graph.Relationship) int {
		if c := compareTime(b.StartDate, a.StartDate); c != 0 {
			return c
		}
		switch {
		case a.IsOpen() && !b.IsOpen():
			return -1
		case b.IsOpen() && !a.IsOpen():
			return 1
		}
		return 0
	})
	return rels, root, nil
}

func (r *Repository) readVersion(ctx context.Context, tx graph.Tx, rel *graph.Relationship) (Version, error) {
	node, err := tx.GetNode(ctx, rel.To)
	if err != nil {
		return Version{}, err
	}
	if node == nil {
		return Version{}, fmt.Errorf("%s relationship %s points at a missing value node", RelHasVersion, rel.ID)
	}
	m, _, _, err := r.readValue(ctx, tx, node, nil)
	if err != nil {
		return Version{}, err
	}
	if rel.Status == string(study.StatusLocked) {
		stampLocked(&m, rel)
	} else {
		m.VersionTimestamp = cloneTime(rel.StartDate)
	}
	v := Version{
		Status:            study.Status(rel.Status),
		StartDate:         cloneTime(rel.StartDate),
		EndDate:           cloneTime(rel.EndDate),
		Author:            rel.UserInitials,
		ChangeDescription: rel.ChangeDescription,
		Metadata:          m,
	}
	if rel.Version != nil {
		n := *rel.Version
		v.Version = &n
	}
	return v, nil
}
