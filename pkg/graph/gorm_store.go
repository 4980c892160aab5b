package graph

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists the graph in three tables (nodes, relationships,
// sequences) plus a lock table used on databases without advisory locks.
type GormStore struct {
	db    *gorm.DB
	clock *monotonicClock
}

// NewGormStore creates a new GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, clock: &monotonicClock{}}
}

// AutoMigrate creates or updates the graph tables.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&NodeRecord{}, &RelationshipRecord{}, &SequenceRecord{}, &LockRecord{}); err != nil {
		return fmt.Errorf("auto-migrate graph: %w", err)
	}
	return nil
}

// DB returns the underlying connection.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Begin implements Store.
func (s *GormStore) Begin(ctx context.Context) (Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormTx{db: tx, clock: s.clock}, nil
}

type gormTx struct {
	db    *gorm.DB
	clock *monotonicClock
	done  bool
}

func (t *gormTx) conn(ctx context.Context) (*gorm.DB, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return t.db.WithContext(ctx), nil
}

func (t *gormTx) CreateNode(ctx context.Context, n *Node) error {
	db, err := t.conn(ctx)
	if err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = t.clock.now()
	rec := &NodeRecord{
		ID:        n.ID,
		Label:     n.Label,
		Key:       n.Key,
		Props:     JSONProps(n.Props),
		CreatedAt: n.CreatedAt,
	}
	if err := db.Create(rec).Error; err != nil {
		return fmt.Errorf("create %s node: %w", n.Label, err)
	}
	props, err := normalizeProps(n.Props)
	if err != nil {
		return err
	}
	n.Props = props
	return nil
}

func (t *gormTx) GetNode(ctx context.Context, id string) (*Node, error) {
	db, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec NodeRecord
	if err := db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return rec.toNode(), nil
}

func (t *gormTx) FindNode(ctx context.Context, label, key string) (*Node, error) {
	db, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec NodeRecord
	err = db.Where("label = ? AND node_key = ?", label, key).
		Order("created_at ASC, id ASC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find %s node: %w", label, err)
	}
	return rec.toNode(), nil
}

func (t *gormTx) ListNodes(ctx context.Context, label string) ([]*Node, error) {
	db, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}
	var recs []NodeRecord
	if err := db.Where("label = ?", label).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list %s nodes: %w", label, err)
	}
	out := make([]*Node, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toNode())
	}
	return out, nil
}

func (t *gormTx) CreateRelationship(ctx context.Context, r *Relationship) error {
	db, err := t.conn(ctx)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = t.clock.now()
	if err := db.Create(relationshipRecord(r)).Error; err != nil {
		return fmt.Errorf("create %s relationship: %w", r.Type, err)
	}
	props, err := normalizeProps(r.Props)
	if err != nil {
		return err
	}
	r.Props = props
	return nil
}

func (t *gormTx) UpdateRelationship(ctx context.Context, r *Relationship) error {
	db, err := t.conn(ctx)
	if err != nil {
		return err
	}
	rec := relationshipRecord(r)
	res := db.Model(&RelationshipRecord{}).Where("id = ?", r.ID).Updates(map[string]any{
		"type":               rec.Type,
		"from_id":            rec.FromID,
		"to_id":              rec.ToID,
		"start_date":         rec.StartDate,
		"end_date":           rec.EndDate,
		"status":             rec.Status,
		"user_initials":      rec.UserInitials,
		"version":            rec.Version,
		"change_description": rec.ChangeDescription,
		"props":              rec.Props,
	})
	if res.Error != nil {
		return fmt.Errorf("update %s relationship: %w", r.Type, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update %s relationship: %s not found", r.Type, r.ID)
	}
	return nil
}

func (t *gormTx) DeleteRelationship(ctx context.Context, id string) error {
	db, err := t.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Where("id = ?", id).Delete(&RelationshipRecord{}).Error; err != nil {
		return fmt.Errorf("delete relationship %s: %w", id, err)
	}
	return nil
}

func (t *gormTx) Outgoing(ctx context.Context, from string, types ...string) ([]*Relationship, error) {
	return t.relationships(ctx, "from_id", from, types)
}

func (t *gormTx) Incoming(ctx context.Context, to string, types ...string) ([]*Relationship, error) {
	return t.relationships(ctx, "to_id", to, types)
}

func (t *gormTx) relationships(ctx context.Context, column, id string, types []string) ([]*Relationship, error) {
	db, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where(column+" = ?", id)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	var recs []RelationshipRecord
	if err := q.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list relationships of %s: %w", id, err)
	}
	out := make([]*Relationship, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toRelationship())
	}
	return out, nil
}

// Lock uses a transaction-scoped advisory lock on PostgreSQL. Elsewhere it
// upserts and then updates a row of graph_locks, which holds the row (or,
// on SQLite, the database) write lock until the transaction ends.
func (t *gormTx) Lock(ctx context.Context, key string) error {
	db, err := t.conn(ctx)
	if err != nil {
		return err
	}
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec("SELECT pg_advisory_xact_lock(?)", LockID(key)).Error; err != nil {
			return fmt.Errorf("failed to acquire advisory lock for %s: %w", key, err)
		}
		return nil
	}
	now := time.Now().UTC()
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&LockRecord{Key: key, LockedAt: now}).Error; err != nil {
		return fmt.Errorf("failed to create lock row for %s: %w", key, err)
	}
	if err := db.Model(&LockRecord{}).Where("lock_key = ?", key).Update("locked_at", now).Error; err != nil {
		return fmt.Errorf("failed to acquire lock row for %s: %w", key, err)
	}
	return nil
}

func (t *gormTx) NextSequence(ctx context.Context, name string) (int64, error) {
	db, err := t.conn(ctx)
	if err != nil {
		return 0, err
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&SequenceRecord{Name: name}).Error; err != nil {
		return 0, fmt.Errorf("init sequence %s: %w", name, err)
	}
	if err := db.Model(&SequenceRecord{}).Where("name = ?", name).Update("value", gorm.Expr("value + 1")).Error; err != nil {
		return 0, fmt.Errorf("increment sequence %s: %w", name, err)
	}
	var rec SequenceRecord
	if err := db.Where("name = ?", name).First(&rec).Error; err != nil {
		return 0, fmt.Errorf("read sequence %s: %w", name, err)
	}
	return rec.Value, nil
}

func (t *gormTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.db.Commit().Error
}

func (t *gormTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.db.Rollback().Error
}

// LockID maps a lock key to a PostgreSQL advisory lock id.
func LockID(key string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(key)))
}

// monotonicClock hands out strictly increasing UTC timestamps at microsecond
// resolution so that created_at preserves insertion order on every dialect.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *monotonicClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
