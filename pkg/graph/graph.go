// Package graph provides the versioned property-graph primitive the study
// repository is built on: labelled nodes with JSON properties and typed,
// directional relationships that carry versioning columns. All access goes
// through an explicit transaction handle.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Props holds free-form node or relationship properties. Values must be
// JSON-encodable; after a round trip numbers decode as float64 and lists
// as []any, regardless of backend.
type Props map[string]any

// Node is a labelled vertex. Key is an optional lookup key, unique per
// label by convention of the caller (e.g. a study uid or a field key).
type Node struct {
	ID        string
	Label     string
	Key       string
	Props     Props
	CreatedAt time.Time
}

// Prop returns the named property or nil.
func (n *Node) Prop(name string) any {
	if n == nil || n.Props == nil {
		return nil
	}
	return n.Props[name]
}

// StringProp returns the named property as a string, or "" if it is not a string.
func (n *Node) StringProp(name string) string {
	s, _ := n.Prop(name).(string)
	return s
}

// Relationship is a typed edge From -> To. The versioning columns are first
// class because every root-to-value relationship family uses them.
type Relationship struct {
	ID                string
	Type              string
	From              string
	To                string
	StartDate         *time.Time
	EndDate           *time.Time
	Status            string
	UserInitials      string
	Version           *int
	ChangeDescription string
	Props             Props
	CreatedAt         time.Time
}

// IsOpen reports whether the relationship has no end date.
func (r *Relationship) IsOpen() bool {
	return r != nil && r.EndDate == nil
}

// Clone returns a deep copy of r.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	c.StartDate = cloneTime(r.StartDate)
	c.EndDate = cloneTime(r.EndDate)
	if r.Version != nil {
		v := *r.Version
		c.Version = &v
	}
	c.Props = r.Props.clone()
	return &c
}

// Tx is a unit of work against the graph. Implementations are not safe for
// concurrent use; every call after Commit or Rollback returns ErrTxDone.
type Tx interface {
	CreateNode(ctx context.Context, n *Node) error
	// GetNode returns nil, nil when the node does not exist.
	GetNode(ctx context.Context, id string) (*Node, error)
	// FindNode returns the oldest node with the label and key, or nil, nil.
	FindNode(ctx context.Context, label, key string) (*Node, error)
	ListNodes(ctx context.Context, label string) ([]*Node, error)

	CreateRelationship(ctx context.Context, r *Relationship) error
	// UpdateRelationship rewrites every mutable column of r, including its target.
	UpdateRelationship(ctx context.Context, r *Relationship) error
	DeleteRelationship(ctx context.Context, id string) error
	// Outgoing lists relationships starting at from, in creation order.
	// With no types every relationship type matches.
	Outgoing(ctx context.Context, from string, types ...string) ([]*Relationship, error)
	Incoming(ctx context.Context, to string, types ...string) ([]*Relationship, error)

	// Lock takes an exclusive lock on key that is held until the
	// transaction ends. Other transactions locking the same key block.
	Lock(ctx context.Context, key string) error
	// NextSequence increments and returns the named counter, starting at 1.
	NextSequence(ctx context.Context, name string) (int64, error)

	Commit() error
	Rollback() error
}

// Store opens transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// ErrTxDone is returned by a Tx after Commit or Rollback.
var ErrTxDone = errors.New("graph: transaction already committed or rolled back")

// RunInTx runs fn in a new transaction, committing when fn returns nil and
// rolling back otherwise.
func RunInTx(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Single returns the only relationship of rels, nil when empty, and an
// error when there is more than one.
func Single(rels []*Relationship) (*Relationship, error) {
	switch len(rels) {
	case 0:
		return nil, nil
	case 1:
		return rels[0], nil
	default:
		return nil, fmt.Errorf("expected at most one %s relationship, found %d", rels[0].Type, len(rels))
	}
}

func (p Props) clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}
