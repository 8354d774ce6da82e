package businessflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	"github.com/Nurenaissance/fastapinewone/app/scheduler"
	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// ScheduledEventFlow defines the admin operations on scheduled events
type ScheduledEventFlow interface {
	CreateEvent(ctx context.Context, tenantID string, req *dto.CreateScheduledEventRequest, metadata *ClientMetadata) (*dto.ScheduledEventDTO, error)
	GetEvent(ctx context.Context, tenantID string, id uint) (*dto.ScheduledEventDTO, error)
	ListEvents(ctx context.Context, tenantID string) (*dto.ListScheduledEventsResponse, error)
	ListFailedEvents(ctx context.Context, tenantID *string) (*dto.ListScheduledEventsResponse, error)
	UpdateEvent(ctx context.Context, tenantID string, id uint, req *dto.UpdateScheduledEventRequest, metadata *ClientMetadata) (*dto.ScheduledEventDTO, error)
	DeleteEvent(ctx context.Context, tenantID string, id uint, metadata *ClientMetadata) error
	RetryEvent(ctx context.Context, tenantID string, id uint, metadata *ClientMetadata) (*dto.ScheduledEventDTO, error)
	RetryAllFailed(ctx context.Context, tenantID *string, metadata *ClientMetadata) (*dto.RetryFailedEventsResponse, error)
	TriggerMerge(ctx context.Context, tenantID string, metadata *ClientMetadata) (*dto.MergeReport, error)
	TriggerImmediateScan(ctx context.Context) (*dto.ScanTriggeredResponse, error)
	SchedulerHealth(ctx context.Context) (*dto.SchedulerHealthResponse, error)
}

// SchedulerHealthProvider reports the poll loop state of this instance
type SchedulerHealthProvider interface {
	Health(ctx context.Context) (*dto.SchedulerHealthResponse, error)
}

// ScheduledEventFlowImpl implements ScheduledEventFlow
type ScheduledEventFlowImpl struct {
	repo    repository.ScheduledEventRepository
	merge   EventMergeFlow
	trigger scheduler.ScanTrigger
	health  SchedulerHealthProvider
	clock   *utils.SchedulingClock
	cfg     config.SchedulerConfig
	logger  logrus.FieldLogger
}

// NewScheduledEventFlow creates the admin flow. trigger and health may be nil
// when the scheduler is disabled on this instance.
func NewScheduledEventFlow(
	repo repository.ScheduledEventRepository,
	merge EventMergeFlow,
	trigger scheduler.ScanTrigger,
	health SchedulerHealthProvider,
	clock *utils.SchedulingClock,
	cfg config.SchedulerConfig,
	logger logrus.FieldLogger,
) ScheduledEventFlow {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = models.DefaultMaxRetries
	}
	if cfg.CreationGrace <= 0 {
		cfg.CreationGrace = utils.DefaultCreationGrace
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ScheduledEventFlowImpl{
		repo:    repo,
		merge:   merge,
		trigger: trigger,
		health:  health,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

type schedule struct {
	date  datatypes.Date
	time  datatypes.Time
	value []byte
}

// parseSchedule validates the fields shared by create and update
func (f *ScheduledEventFlowImpl) parseSchedule(typ string, date, clock *string, value []byte) (*schedule, error) {
	if strings.TrimSpace(typ) == "" {
		return nil, NewBusinessError("VALIDATION_ERROR", "type is required", ErrTypeRequired)
	}
	if date == nil || strings.TrimSpace(*date) == "" {
		return nil, NewBusinessError("VALIDATION_ERROR", "date is required", ErrDateRequired)
	}
	if clock == nil || strings.TrimSpace(*clock) == "" {
		return nil, NewBusinessError("VALIDATION_ERROR", "time is required", ErrTimeRequired)
	}

	d, err := models.ParseDate(strings.TrimSpace(*date))
	if err != nil {
		return nil, NewBusinessError("VALIDATION_ERROR", "date must be in YYYY-MM-DD format", err)
	}
	t, err := models.ParseClock(strings.TrimSpace(*clock))
	if err != nil {
		return nil, NewBusinessError("VALIDATION_ERROR", "time must be in HH:MM:SS format", err)
	}

	normalized, err := models.NormalizeEventValue(value)
	if err != nil {
		return nil, NewBusinessError("INVALID_VALUE", err.Error(), ErrInvalidEventValue)
	}

	return &schedule{date: d, time: t, value: normalized}, nil
}

// checkNotPast rejects a schedule older than now minus the creation grace
func (f *ScheduledEventFlowImpl) checkNotPast(s *schedule) error {
	at, err := f.clock.Combine(time.Time(s.date).Format(models.DateLayout), models.FormatClock(s.time))
	if err != nil {
		return NewBusinessError("VALIDATION_ERROR", "invalid schedule", err)
	}
	if at.Before(f.clock.Now().Add(-f.cfg.CreationGrace)) {
		return NewBusinessErrorf("SCHEDULE_IN_PAST", "schedule %s is older than the %s grace period", ErrScheduleInPast, at.Format(time.RFC3339), f.cfg.CreationGrace)
	}
	return nil
}

func (f *ScheduledEventFlowImpl) CreateEvent(ctx context.Context, tenantID string, req *dto.CreateScheduledEventRequest, metadata *ClientMetadata) (*dto.ScheduledEventDTO, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, NewBusinessError("VALIDATION_ERROR", "tenant ID is required", ErrTenantIDRequired)
	}
	if req == nil {
		return nil, NewBusinessError("VALIDATION_ERROR", "request body is required", nil)
	}

	s, err := f.parseSchedule(req.Type, req.Date, req.Time, req.Value)
	if err != nil {
		return nil, err
	}
	if err := f.checkNotPast(s); err != nil {
		return nil, err
	}

	now := utils.UTCNow()
	event := &models.ScheduledEvent{
		TenantID:   tenantID,
		Type:       strings.TrimSpace(req.Type),
		Value:      s.value,
		Date:       s.date,
		Time:       s.time,
		Status:     models.EventStatusPending,
		RetryCount: 0,
		MaxRetries: f.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := f.repo.Save(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create scheduled event: %w", err)
	}

	f.logEntry(metadata, tenantID).WithFields(logrus.Fields{
		"event_id": event.ID,
		"date":     event.ScheduledDate(),
		"time":     event.ScheduledClock(),
	}).Info("scheduled event created")

	f.scanIfDue(ctx, event)

	out := ToScheduledEventDTO(*event)
	return &out, nil
}

func (f *ScheduledEventFlowImpl) GetEvent(ctx context.Context, tenantID string, id uint) (*dto.ScheduledEventDTO, error) {
	event, err := f.find(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	out := ToScheduledEventDTO(*event)
	return &out, nil
}

func (f *ScheduledEventFlowImpl) ListEvents(ctx context.Context, tenantID string) (*dto.ListScheduledEventsResponse, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, NewBusinessError("VALIDATION_ERROR", "tenant ID is required", ErrTenantIDRequired)
	}
	events, err := f.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled events: %w", err)
	}
	items := ToScheduledEventDTOs(events)
	return &dto.ListScheduledEventsResponse{Items: items, Total: len(items)}, nil
}

func (f *ScheduledEventFlowImpl) ListFailedEvents(ctx context.Context, tenantID *string) (*dto.ListScheduledEventsResponse, error) {
	events, err := f.repo.ListFailed(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}
	items := ToScheduledEventDTOs(events)
	return &dto.ListScheduledEventsResponse{Items: items, Total: len(items)}, nil
}

// UpdateEvent replaces schedule and payload. A failed event goes back to
// pending with its counters cleared; a processing event cannot be edited.
func (f *ScheduledEventFlowImpl) UpdateEvent(ctx context.Context, tenantID string, id uint, req *dto.UpdateScheduledEventRequest, metadata *ClientMetadata) (*dto.ScheduledEventDTO, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, NewBusinessError("VALIDATION_ERROR", "tenant ID is required", ErrTenantIDRequired)
	}
	if req == nil {
		return nil, NewBusinessError("VALIDATION_ERROR", "request body is required", nil)
	}

	event, err := f.find(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if event.Status == models.EventStatusProcessing {
		return nil, NewBusinessError("EVENT_PROCESSING", "event is being delivered and cannot be edited", ErrEventProcessing)
	}

	s, err := f.parseSchedule(req.Type, req.Date, req.Time, req.Value)
	if err != nil {
		return nil, err
	}
	// keeping the original slot is allowed even when it has passed
	if event.ScheduledDate() != time.Time(s.date).Format(models.DateLayout) || event.ScheduledClock() != models.FormatClock(s.time) {
		if err := f.checkNotPast(s); err != nil {
			return nil, err
		}
	}

	seenStatus, seenRetries := event.Status, event.RetryCount
	event.Type = strings.TrimSpace(req.Type)
	event.Value = s.value
	event.Date = s.date
	event.Time = s.time
	event.UpdatedAt = utils.UTCNow()
	if event.Status == models.EventStatusFailed {
		event.Status = models.EventStatusPending
		event.RetryCount = 0
		event.LastError = nil
	}

	ok, err := f.repo.UpdateDetails(ctx, event, seenStatus, seenRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to update scheduled event: %w", err)
	}
	if !ok {
		// claimed, delivered, failed again or deleted since it was read
		current, err := f.find(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if current.Status == models.EventStatusProcessing {
			return nil, NewBusinessError("EVENT_PROCESSING", "event is being delivered and cannot be edited", ErrEventProcessing)
		}
		return nil, NewBusinessErrorf("EVENT_CHANGED", "event moved to %s while being edited", ErrEventChanged, current.Status)
	}

	f.logEntry(metadata, tenantID).WithField("event_id", id).Info("scheduled event updated")
	if event.Status == models.EventStatusPending {
		f.scanIfDue(ctx, event)
	}

	out := ToScheduledEventDTO(*event)
	return &out, nil
}

func (f *ScheduledEventFlowImpl) DeleteEvent(ctx context.Context, tenantID string, id uint, metadata *ClientMetadata) error {
	if _, err := f.find(ctx, tenantID, id); err != nil {
		return err
	}
	ok, err := f.repo.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled event: %w", err)
	}
	if !ok {
		return NewBusinessError("NOT_FOUND", "scheduled event not found", ErrScheduledEventNotFound)
	}
	f.logEntry(metadata, tenantID).WithField("event_id", id).Info("scheduled event deleted")
	return nil
}

// RetryEvent moves a failed event back to pending with counters reset
func (f *ScheduledEventFlowImpl) RetryEvent(ctx context.Context, tenantID string, id uint, metadata *ClientMetadata) (*dto.ScheduledEventDTO, error) {
	if _, err := f.find(ctx, tenantID, id); err != nil {
		return nil, err
	}

	ok, err := f.repo.ResetFailed(ctx, id, utils.UTCNow())
	if err != nil {
		return nil, fmt.Errorf("failed to reset scheduled event: %w", err)
	}
	event, err := f.find(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewBusinessErrorf("EVENT_NOT_FAILED", "event is %s, only failed events can be retried", ErrEventNotFailed, event.Status)
	}

	f.logEntry(metadata, tenantID).WithField("event_id", id).Info("failed event reset to pending")
	f.scanIfDue(ctx, event)

	out := ToScheduledEventDTO(*event)
	return &out, nil
}

func (f *ScheduledEventFlowImpl) RetryAllFailed(ctx context.Context, tenantID *string, metadata *ClientMetadata) (*dto.RetryFailedEventsResponse, error) {
	n, err := f.repo.ResetAllFailed(ctx, tenantID, utils.UTCNow())
	if err != nil {
		return nil, fmt.Errorf("failed to reset failed events: %w", err)
	}

	tenant := ""
	if tenantID != nil {
		tenant = *tenantID
	}
	f.logEntry(metadata, tenant).WithField("reset", n).Info("failed events reset to pending")
	if n > 0 {
		f.requestScan(ctx)
	}
	return &dto.RetryFailedEventsResponse{Reset: n}, nil
}

func (f *ScheduledEventFlowImpl) TriggerMerge(ctx context.Context, tenantID string, metadata *ClientMetadata) (*dto.MergeReport, error) {
	report, err := f.merge.MergeTenantEvents(ctx, tenantID)
	if err != nil {
		if IsMergeInProgress(err) {
			return nil, NewBusinessError("MERGE_IN_PROGRESS", "a merge is already running for this tenant", err)
		}
		return nil, err
	}
	f.logEntry(metadata, tenantID).WithFields(logrus.Fields{
		"merged":   len(report.MergedGroups),
		"failures": len(report.Failures),
		"skipped":  len(report.Skipped),
	}).Info("merge pass finished")
	return report, nil
}

func (f *ScheduledEventFlowImpl) TriggerImmediateScan(ctx context.Context) (*dto.ScanTriggeredResponse, error) {
	if f.trigger == nil {
		return nil, NewBusinessError("SCHEDULER_DISABLED", "scheduler is not enabled on this instance", ErrSchedulerDisabled)
	}
	broadcast, err := f.trigger.RequestScan(ctx)
	if err != nil {
		// local scan already queued
		f.logger.WithError(err).Warn("scan request was not broadcast to other instances")
	}
	return &dto.ScanTriggeredResponse{Triggered: true, Broadcasted: broadcast}, nil
}

func (f *ScheduledEventFlowImpl) SchedulerHealth(ctx context.Context) (*dto.SchedulerHealthResponse, error) {
	if f.health == nil {
		return nil, NewBusinessError("SCHEDULER_DISABLED", "scheduler is not enabled on this instance", ErrSchedulerDisabled)
	}
	return f.health.Health(ctx)
}

// find loads an event, treating another tenant's event as missing.
// An empty tenantID skips the ownership check.
func (f *ScheduledEventFlowImpl) find(ctx context.Context, tenantID string, id uint) (*models.ScheduledEvent, error) {
	event, err := f.repo.ByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled event: %w", err)
	}
	if event == nil || (tenantID != "" && event.TenantID != tenantID) {
		return nil, NewBusinessError("NOT_FOUND", "scheduled event not found", ErrScheduledEventNotFound)
	}
	return event, nil
}

func (f *ScheduledEventFlowImpl) scanIfDue(ctx context.Context, event *models.ScheduledEvent) {
	if f.clock.IsDue(event.ScheduledDate(), event.ScheduledClock()) {
		f.requestScan(ctx)
	}
}

func (f *ScheduledEventFlowImpl) requestScan(ctx context.Context) {
	if f.trigger == nil {
		return
	}
	if _, err := f.trigger.RequestScan(ctx); err != nil && !errors.Is(err, context.Canceled) {
		f.logger.WithError(err).Warn("scan request was not broadcast to other instances")
	}
}

func (f *ScheduledEventFlowImpl) logEntry(metadata *ClientMetadata, tenantID string) *logrus.Entry {
	entry := f.logger.WithField("tenant_id", tenantID)
	if metadata != nil {
		entry = entry.WithFields(logrus.Fields{
			"request_id": metadata.RequestID,
			"ip":         metadata.IPAddress,
		})
	}
	return entry
}
