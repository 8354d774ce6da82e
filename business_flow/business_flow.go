// Package businessflow contains the business logic for the application.
package businessflow

import (
	"encoding/json"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	"github.com/Nurenaissance/fastapinewone/models"
)

// ClientMetadata holds caller information attached to admin operations for logging
type ClientMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// ToScheduledEventDTO converts a scheduled event model to its API representation
func ToScheduledEventDTO(event models.ScheduledEvent) dto.ScheduledEventDTO {
	out := dto.ScheduledEventDTO{
		ID:         event.ID,
		TenantID:   event.TenantID,
		Type:       event.Type,
		Date:       event.ScheduledDate(),
		Time:       event.ScheduledClock(),
		Value:      json.RawMessage(event.Value),
		Status:     event.Status.String(),
		RetryCount: event.RetryCount,
		MaxRetries: event.MaxRetries,
		LastError:  event.LastError,
		CreatedAt:  event.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  event.UpdatedAt.Format(time.RFC3339),
	}
	if event.ExecutedAt != nil {
		executed := event.ExecutedAt.Format(time.RFC3339)
		out.ExecutedAt = &executed
	}
	return out
}

// ToScheduledEventDTOs converts a list of models
func ToScheduledEventDTOs(events []*models.ScheduledEvent) []dto.ScheduledEventDTO {
	items := make([]dto.ScheduledEventDTO, 0, len(events))
	for _, ev := range events {
		items = append(items, ToScheduledEventDTO(*ev))
	}
	return items
}
