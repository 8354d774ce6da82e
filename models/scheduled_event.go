// Package models contains the persistent domain entities of the scheduling service
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// EventStatus represents the lifecycle state of a scheduled event.
// The status column doubles as the processing lock token.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
)

const (
	// DefaultMaxRetries is the retry budget given to new events
	DefaultMaxRetries = 3

	// MaxLastErrorLength bounds the stored failure description
	MaxLastErrorLength = 1000

	// EventTypeTemplate is the type written by the merge step
	EventTypeTemplate = "Template"
)

// String returns the string representation of the status
func (s EventStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusProcessing, EventStatusCompleted, EventStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the poll loop will never pick the event up again on its own
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusCompleted || s == EventStatusFailed
}

// Scan implements the sql.Scanner interface for EventStatus
func (s *EventStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = EventStatus(v)
	case []byte:
		*s = EventStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into EventStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for EventStatus
func (s EventStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid EventStatus: %s", s)
	}
	return string(s), nil
}

// ScheduledEvent is one unit of deferred outbound work.
// Table: scheduled_events
// Indices: (status, date, time), tenant_id, (status, updated_at)
type ScheduledEvent struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TenantID   string         `gorm:"size:50;not null;index:idx_scheduled_events_tenant_id" json:"tenant_id"`
	Type       string         `gorm:"size:50;not null" json:"type"`
	Value      datatypes.JSON `gorm:"type:jsonb;not null" json:"value"`
	Date       datatypes.Date `gorm:"type:date;not null;index:idx_scheduled_events_due,priority:2" json:"date"`
	Time       datatypes.Time `gorm:"type:time;not null;index:idx_scheduled_events_due,priority:3" json:"time"`
	Status     EventStatus    `gorm:"size:20;not null;default:pending;index:idx_scheduled_events_due,priority:1;index:idx_scheduled_events_stale,priority:1" json:"status"`
	RetryCount int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries int            `gorm:"not null;default:3" json:"max_retries"`
	LastError  *string        `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null;index:idx_scheduled_events_stale,priority:2" json:"updated_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

func (ScheduledEvent) TableName() string { return "scheduled_events" }

// ScheduledDate returns the calendar date in 2006-01-02 form
func (e *ScheduledEvent) ScheduledDate() string {
	return time.Time(e.Date).Format(DateLayout)
}

// ScheduledClock returns the time of day in 15:04:05 form
func (e *ScheduledEvent) ScheduledClock() string {
	return FormatClock(e.Time)
}

// ScheduledEventFilter provides filter fields for repository queries
type ScheduledEventFilter struct {
	ID       *uint
	IDs      []uint
	TenantID *string
	Status   *EventStatus
	Dates    []string
}

// FailureOutcome is the state an event lands in after a recorded failure
type FailureOutcome struct {
	ID         uint        `json:"id"`
	Status     EventStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
}

// RecoveredEvent describes one stale processing row returned to the pool
type RecoveredEvent struct {
	ID         uint        `json:"id"`
	TenantID   string      `json:"tenant_id"`
	Status     EventStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
}
