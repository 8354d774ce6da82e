// Package dto contains Data Transfer Objects for API request and response structures
package dto

import "encoding/json"

// CreateScheduledEventRequest represents the payload to schedule a template delivery.
// Value is accepted either as a JSON object or as a string containing one.
type CreateScheduledEventRequest struct {
	Type  string          `json:"type" validate:"required,max=50"`
	Date  *string         `json:"date" validate:"required,datetime=2006-01-02"`
	Time  *string         `json:"time" validate:"required"`
	Value json.RawMessage `json:"value" validate:"required"`
}

// UpdateScheduledEventRequest replaces the schedule and payload of an event
type UpdateScheduledEventRequest struct {
	Type  string          `json:"type" validate:"required,max=50"`
	Date  *string         `json:"date" validate:"required,datetime=2006-01-02"`
	Time  *string         `json:"time" validate:"required"`
	Value json.RawMessage `json:"value" validate:"required"`
}

// ScheduledEventDTO represents a scheduled event for responses
type ScheduledEventDTO struct {
	ID         uint            `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	Date       string          `json:"date"`
	Time       string          `json:"time"`
	Value      json.RawMessage `json:"value"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  *string         `json:"last_error,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
	ExecutedAt *string         `json:"executed_at,omitempty"`
}

// ListScheduledEventsResponse wraps a list of events
type ListScheduledEventsResponse struct {
	Items []ScheduledEventDTO `json:"items"`
	Total int                 `json:"total"`
}

// RetryFailedEventsResponse reports how many failed events went back to pending
type RetryFailedEventsResponse struct {
	Reset int64 `json:"reset"`
}

// MergedGroupDTO describes one group collapsed into a single event
type MergedGroupDTO struct {
	MergedEventID   uint   `json:"merged_event_id"`
	TemplateName    string `json:"template_name"`
	EventDate       string `json:"event_date"`
	RecipientCount  int    `json:"recipient_count"`
	DeletedEventIDs []uint `json:"deleted_event_ids"`
}

// MergeFailureDTO describes a group whose merge was rolled back
type MergeFailureDTO struct {
	TemplateName string `json:"template_name"`
	EventDate    string `json:"event_date"`
	EventIDs     []uint `json:"event_ids"`
	Error        string `json:"error"`
}

// MergeReport is the result of one merge pass for a tenant
type MergeReport struct {
	TenantID     string            `json:"tenant_id"`
	Window       []string          `json:"window"`
	Candidates   int               `json:"candidates"`
	MergedGroups []MergedGroupDTO  `json:"merged_groups"`
	Failures     []MergeFailureDTO `json:"failures"`
	Skipped      []uint            `json:"skipped"`
}

// SchedulerHealthResponse summarizes the poll loop of this instance and the shared table
type SchedulerHealthResponse struct {
	Running             bool    `json:"running"`
	ThreadAlive         bool    `json:"thread_alive"`
	InstanceID          string  `json:"instance_id"`
	PendingCount        int64   `json:"pending_count"`
	ProcessingCount     int64   `json:"processing_count"`
	CompletedCount      int64   `json:"completed_count"`
	FailedCount         int64   `json:"failed_count"`
	StuckCount          int64   `json:"stuck_count"`
	CurrentTime         string  `json:"current_time"`
	Timezone            string  `json:"timezone"`
	LastCycleAt         *string `json:"last_cycle_at,omitempty"`
	LastCycleError      *string `json:"last_cycle_error,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// ScanTriggeredResponse acknowledges an immediate scan request
type ScanTriggeredResponse struct {
	Triggered   bool `json:"triggered"`
	Broadcasted bool `json:"broadcasted"`
}
