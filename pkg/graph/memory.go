package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Transactions are serialized: Begin
// blocks until the previous transaction commits or rolls back, and each
// transaction works on a copy of the state that replaces the store state on
// Commit.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
	nowFn func() time.Time
}

type memoryState struct {
	nodes     map[string]*Node
	nodeOrder []string
	rels      map[string]*Relationship
	relOrder  []string
	counters  map[string]int64
}

// NewMemoryStore returns an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			nodes:    map[string]*Node{},
			rels:     map[string]*Relationship{},
			counters: map[string]int64{},
		},
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		nodes:     make(map[string]*Node, len(s.nodes)),
		nodeOrder: slices.Clone(s.nodeOrder),
		rels:      make(map[string]*Relationship, len(s.rels)),
		relOrder:  slices.Clone(s.relOrder),
		counters:  make(map[string]int64, len(s.counters)),
	}
	// Stored values are never mutated in place, so sharing pointers is safe.
	for k, v := range s.nodes {
		c.nodes[k] = v
	}
	for k, v := range s.rels {
		c.rels[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	return c
}

// Begin implements Store.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memoryTx{store: s, state: s.state.clone()}, nil
}

// NodeCount returns the number of committed nodes with the label.
func (s *MemoryStore) NodeCount(label string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, node := range s.state.nodes {
		if node.Label == label {
			n++
		}
	}
	return n
}

type memoryTx struct {
	store *MemoryStore
	state memoryState
	done  bool
}

func (t *memoryTx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (t *memoryTx) CreateNode(ctx context.Context, n *Node) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	props, err := normalizeProps(n.Props)
	if err != nil {
		return fmt.Errorf("create %s node: %w", n.Label, err)
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if _, exists := t.state.nodes[n.ID]; exists {
		return fmt.Errorf("create %s node: id %s already exists", n.Label, n.ID)
	}
	n.Props = props
	n.CreatedAt = t.store.nowFn()
	stored := *n
	stored.Props = props.clone()
	t.state.nodes[n.ID] = &stored
	t.state.nodeOrder = append(t.state.nodeOrder, n.ID)
	return nil
}

func (t *memoryTx) GetNode(ctx context.Context, id string) (*Node, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	n, ok := t.state.nodes[id]
	if !ok {
		return nil, nil
	}
	return copyNode(n), nil
}

func (t *memoryTx) FindNode(ctx context.Context, label, key string) (*Node, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	for _, id := range t.state.nodeOrder {
		n := t.state.nodes[id]
		if n.Label == label && n.Key == key {
			return copyNode(n), nil
		}
	}
	return nil, nil
}

func (t *memoryTx) ListNodes(ctx context.Context, label string) ([]*Node, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	var out []*Node
	for _, id := range t.state.nodeOrder {
		if n := t.state.nodes[id]; n.Label == label {
			out = append(out, copyNode(n))
		}
	}
	return out, nil
}

func (t *memoryTx) CreateRelationship(ctx context.Context, r *Relationship) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if err := t.checkEndpoints(r); err != nil {
		return err
	}
	props, err := normalizeProps(r.Props)
	if err != nil {
		return fmt.Errorf("create %s relationship: %w", r.Type, err)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Props = props
	r.CreatedAt = t.store.nowFn()
	t.state.rels[r.ID] = r.Clone()
	t.state.relOrder = append(t.state.relOrder, r.ID)
	return nil
}

func (t *memoryTx) UpdateRelationship(ctx context.Context, r *Relationship) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	old, ok := t.state.rels[r.ID]
	if !ok {
		return fmt.Errorf("update %s relationship: %s not found", r.Type, r.ID)
	}
	if err := t.checkEndpoints(r); err != nil {
		return err
	}
	props, err := normalizeProps(r.Props)
	if err != nil {
		return fmt.Errorf("update %s relationship: %w", r.Type, err)
	}
	r.Props = props
	r.CreatedAt = old.CreatedAt
	t.state.rels[r.ID] = r.Clone()
	return nil
}

func (t *memoryTx) DeleteRelationship(ctx context.Context, id string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.state.rels[id]; !ok {
		return nil
	}
	delete(t.state.rels, id)
	t.state.relOrder = slices.DeleteFunc(t.state.relOrder, func(s string) bool { return s == id })
	return nil
}

func (t *memoryTx) Outgoing(ctx context.Context, from string, types ...string) ([]*Relationship, error) {
	return t.scan(ctx, types, func(r *Relationship) bool { return r.From == from })
}

func (t *memoryTx) Incoming(ctx context.Context, to string, types ...string) ([]*Relationship, error) {
	return t.scan(ctx, types, func(r *Relationship) bool { return r.To == to })
}

func (t *memoryTx) scan(ctx context.Context, types []string, match func(*Relationship) bool) ([]*Relationship, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	want := typeSet(types)
	var out []*Relationship
	for _, id := range t.state.relOrder {
		r := t.state.rels[id]
		if want != nil && !want[r.Type] {
			continue
		}
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Lock is a no-op: the store already serializes transactions.
func (t *memoryTx) Lock(ctx context.Context, _ string) error {
	return t.check(ctx)
}

func (t *memoryTx) NextSequence(ctx context.Context, name string) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.state.counters[name]++
	return t.state.counters[name], nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.state = t.state
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) checkEndpoints(r *Relationship) error {
	if _, ok := t.state.nodes[r.From]; !ok {
		return fmt.Errorf("%s relationship: source node %s not found", r.Type, r.From)
	}
	if _, ok := t.state.nodes[r.To]; !ok {
		return fmt.Errorf("%s relationship: target node %s not found", r.Type, r.To)
	}
	return nil
}

func copyNode(n *Node) *Node {
	c := *n
	c.Props = n.Props.clone()
	return &c
}

// normalizeProps round-trips props through JSON so the in-memory store
// returns the same value shapes as the SQL store.
func normalizeProps(p Props) (Props, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode props: %w", err)
	}
	var out Props
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	return out, nil
}
