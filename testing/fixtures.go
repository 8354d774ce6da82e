// Package testing provides test utilities and database setup for the scheduling service
package testing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/utils"
	"gorm.io/datatypes"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// TemplateValue builds a send-template payload for the given template and recipients
func TemplateValue(templateName string, phones ...string) datatypes.JSON {
	if phones == nil {
		phones = []string{}
	}
	payload := map[string]any{
		"bg_id":                    "null",
		"template":                 map[string]any{"name": templateName, "language": "en"},
		"business_phone_number_id": "241683569037594",
		"phoneNumbers":             phones,
	}
	raw, _ := json.Marshal(payload)
	return datatypes.JSON(raw)
}

// NewEvent builds an unsaved pending event scheduled at date and clock
func NewEvent(tenantID, templateName, date, clock string, phones ...string) *models.ScheduledEvent {
	d, err := models.ParseDate(date)
	if err != nil {
		panic(err)
	}
	c, err := models.ParseClock(clock)
	if err != nil {
		panic(err)
	}
	now := utils.UTCNow()
	return &models.ScheduledEvent{
		TenantID:   tenantID,
		Type:       models.EventTypeTemplate,
		Value:      TemplateValue(templateName, phones...),
		Date:       d,
		Time:       c,
		Status:     models.EventStatusPending,
		MaxRetries: models.DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CreateEvent inserts a pending event
func (tf *TestFixtures) CreateEvent(tenantID, templateName, date, clock string, phones ...string) (*models.ScheduledEvent, error) {
	event := NewEvent(tenantID, templateName, date, clock, phones...)
	if err := tf.DB.DB.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to create scheduled event: %w", err)
	}
	return event, nil
}

// CreateProcessingEvent inserts an event that was claimed at lockedAt
func (tf *TestFixtures) CreateProcessingEvent(tenantID, date, clock string, retryCount int, lockedAt time.Time) (*models.ScheduledEvent, error) {
	event := NewEvent(tenantID, "stale_template", date, clock, "919000000001")
	event.Status = models.EventStatusProcessing
	event.RetryCount = retryCount
	event.UpdatedAt = lockedAt.UTC()
	if err := tf.DB.DB.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to create processing event: %w", err)
	}
	return event, nil
}

// CreateFailedEvent inserts an event that exhausted its retries
func (tf *TestFixtures) CreateFailedEvent(tenantID, date, clock, lastError string) (*models.ScheduledEvent, error) {
	event := NewEvent(tenantID, "failed_template", date, clock, "919000000002")
	event.Status = models.EventStatusFailed
	event.RetryCount = event.MaxRetries
	event.LastError = &lastError
	if err := tf.DB.DB.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to create failed event: %w", err)
	}
	return event, nil
}
