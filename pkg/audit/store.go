// Package audit keeps an append-only log of the mutating API requests made
// against the study repository. It is an operational log next to the
// field-level study audit trail, which lives in the graph.
package audit

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RequestEvent is one logged API request.
type RequestEvent struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Actor         string    `gorm:"column:actor;index:idx_request_actor_time,priority:1;not null" json:"actor"`
	RequestID     string    `gorm:"column:request_id;index" json:"request_id,omitempty"`
	CorrelationID string    `gorm:"column:correlation_id;index" json:"correlation_id,omitempty"`
	Method        string    `gorm:"column:method;type:varchar(16);not null" json:"method"`
	Path          string    `gorm:"column:path;not null" json:"path"`
	StudyUID      string    `gorm:"column:study_uid;index:idx_request_study_time,priority:1" json:"study_uid,omitempty"`
	Action        string    `gorm:"column:action" json:"action"`
	Outcome       string    `gorm:"column:outcome;not null" json:"outcome"`
	StatusCode    int       `gorm:"column:status_code" json:"status_code"`
	DurationMS    int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt     time.Time `gorm:"column:created_at;index:idx_request_actor_time,priority:2;index:idx_request_study_time,priority:2;index" json:"created_at"`
}

// TableName returns the GORM table name.
func (RequestEvent) TableName() string { return "api_request_events" }

// ListFilter narrows Store.List. Empty fields do not filter.
type ListFilter struct {
	Actor    string
	StudyUID string
	Action   string
	Outcome  string
}

// Store provides append-only operations for request events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the request event table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&RequestEvent{})
}

// Append records an event.
func (s *Store) Append(event *RequestEvent) error {
	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("append request event: %w", err)
	}
	return nil
}

// GetByID returns the event, or nil when it does not exist.
func (s *Store) GetByID(id string) (*RequestEvent, error) {
	var ev RequestEvent
	err := s.db.Where("id = ?", id).Limit(1).Find(&ev).Error
	if err != nil {
		return nil, fmt.Errorf("get request event: %w", err)
	}
	if ev.ID == "" {
		return nil, nil
	}
	return &ev, nil
}

// List returns events matching filter, newest first. pageToken is the
// RFC3339Nano created_at of the last event of the previous page.
func (s *Store) List(filter ListFilter, pageSize int, pageToken string) ([]RequestEvent, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	where := func(q *gorm.DB) *gorm.DB {
		if filter.Actor != "" {
			q = q.Where("actor = ?", filter.Actor)
		}
		if filter.StudyUID != "" {
			q = q.Where("study_uid = ?", filter.StudyUID)
		}
		if filter.Action != "" {
			q = q.Where("action = ?", filter.Action)
		}
		if filter.Outcome != "" {
			q = q.Where("outcome = ?", filter.Outcome)
		}
		return q
	}

	var total int64
	if err := where(s.db.Model(&RequestEvent{})).Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count request events: %w", err)
	}

	query := where(s.db.Model(&RequestEvent{})).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var events []RequestEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list request events: %w", err)
	}

	var next string
	if len(events) > pageSize {
		next = events[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		events = events[:pageSize]
	}
	return events, next, int(total), nil
}

// DeleteOlderThan deletes events created before cutoff and returns how many
// were removed.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", cutoff).Delete(&RequestEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old request events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
