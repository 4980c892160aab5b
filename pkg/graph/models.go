package graph

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONProps is a GORM type for Props stored as JSON text.
type JSONProps map[string]any

// Scan implements the sql.Scanner interface for JSONProps.
func (m *JSONProps) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONProps: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONProps.
func (m JSONProps) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// NodeRecord is one graph node.
type NodeRecord struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Label     string    `gorm:"column:label;type:varchar(64);index:idx_graph_node_label_key,priority:1;not null"`
	Key       string    `gorm:"column:node_key;type:varchar(512);index:idx_graph_node_label_key,priority:2"`
	Props     JSONProps `gorm:"column:props;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;index;not null"`
}

// TableName returns the table name for NodeRecord.
func (NodeRecord) TableName() string { return "graph_nodes" }

// RelationshipRecord is one graph relationship with its versioning columns.
type RelationshipRecord struct {
	ID                string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Type              string     `gorm:"column:type;type:varchar(64);index:idx_graph_rel_from,priority:2;index:idx_graph_rel_to,priority:2;not null"`
	FromID            string     `gorm:"column:from_id;type:varchar(36);index:idx_graph_rel_from,priority:1;not null"`
	ToID              string     `gorm:"column:to_id;type:varchar(36);index:idx_graph_rel_to,priority:1;not null"`
	StartDate         *time.Time `gorm:"column:start_date"`
	EndDate           *time.Time `gorm:"column:end_date"`
	Status            string     `gorm:"column:status;type:varchar(32)"`
	UserInitials      string     `gorm:"column:user_initials;type:varchar(255)"`
	Version           *int       `gorm:"column:version"`
	ChangeDescription string     `gorm:"column:change_description;type:text"`
	Props             JSONProps  `gorm:"column:props;type:text"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
}

// TableName returns the table name for RelationshipRecord.
func (RelationshipRecord) TableName() string { return "graph_relationships" }

// SequenceRecord backs Tx.NextSequence.
type SequenceRecord struct {
	Name  string `gorm:"primaryKey;column:name;type:varchar(128)"`
	Value int64  `gorm:"column:value;not null"`
}

// TableName returns the table name for SequenceRecord.
func (SequenceRecord) TableName() string { return "graph_sequences" }

// LockRecord is the row locked by Tx.Lock on databases without advisory locks.
type LockRecord struct {
	Key      string    `gorm:"primaryKey;column:lock_key;type:varchar(255)"`
	LockedAt time.Time `gorm:"column:locked_at"`
}

// TableName returns the table name for LockRecord.
func (LockRecord) TableName() string { return "graph_locks" }

func (r *NodeRecord) toNode() *Node {
	return &Node{
		ID:        r.ID,
		Label:     r.Label,
		Key:       r.Key,
		Props:     Props(r.Props),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (r *RelationshipRecord) toRelationship() *Relationship {
	return &Relationship{
		ID:                r.ID,
		Type:              r.Type,
		From:              r.FromID,
		To:                r.ToID,
		StartDate:         utcPtr(r.StartDate),
		EndDate:           utcPtr(r.EndDate),
		Status:            r.Status,
		UserInitials:      r.UserInitials,
		Version:           r.Version,
		ChangeDescription: r.ChangeDescription,
		Props:             Props(r.Props),
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

func relationshipRecord(r *Relationship) *RelationshipRecord {
	return &RelationshipRecord{
		ID:                r.ID,
		Type:              r.Type,
		FromID:            r.From,
		ToID:              r.To,
		StartDate:         utcPtr(r.StartDate),
		EndDate:           utcPtr(r.EndDate),
		Status:            r.Status,
		UserInitials:      r.UserInitials,
		Version:           r.Version,
		ChangeDescription: r.ChangeDescription,
		Props:             JSONProps(r.Props),
		CreatedAt:         r.CreatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
