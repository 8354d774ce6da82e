// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Nurenaissance/fastapinewone/models"
	"gorm.io/gorm"
)

// ErrMergeMembersChanged is returned when a superseded event was claimed,
// edited or deleted between reading the merge group and replacing it
var ErrMergeMembersChanged = errors.New("merge group changed concurrently")

const recoverStaleSQL = `
UPDATE scheduled_events
SET retry_count = retry_count + 1,
    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
    last_error = RIGHT(
        COALESCE(last_error || ' | ', '') || ? || to_char(updated_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'),
        ?),
    updated_at = ?
WHERE status = 'processing' AND updated_at < ?
RETURNING id, tenant_id, status, retry_count`

const recordFailureSQL = `
UPDATE scheduled_events
SET retry_count = retry_count + 1,
    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
    last_error = ?,
    updated_at = ?
WHERE id = ? AND status = 'processing'
RETURNING id, status, retry_count`

// ScheduledEventRepositoryImpl implements ScheduledEventRepository interface
type ScheduledEventRepositoryImpl struct {
	*BaseRepository[models.ScheduledEvent, models.ScheduledEventFilter]
}

// NewScheduledEventRepository creates a new scheduled event repository
func NewScheduledEventRepository(db *gorm.DB) ScheduledEventRepository {
	return &ScheduledEventRepositoryImpl{
		BaseRepository: NewBaseRepository[models.ScheduledEvent, models.ScheduledEventFilter](db),
	}
}

// applyFilter applies filter criteria to a GORM query
func (r *ScheduledEventRepositoryImpl) applyFilter(query *gorm.DB, filter models.ScheduledEventFilter) *gorm.DB {
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}
	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if len(filter.Dates) > 0 {
		query = query.Where("date IN ?", filter.Dates)
	}
	return query
}

// ByFilter retrieves scheduled events based on filter criteria
func (r *ScheduledEventRepositoryImpl) ByFilter(ctx context.Context, filter models.ScheduledEventFilter, orderBy string, limit, offset int) ([]*models.ScheduledEvent, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.ScheduledEvent{}), filter)

	if orderBy == "" {
		orderBy = "date ASC, time ASC, id ASC"
	}
	query = query.Order(orderBy)

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var events []*models.ScheduledEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list scheduled events: %w", err)
	}
	return events, nil
}

// Count returns the number of scheduled events matching the filter
func (r *ScheduledEventRepositoryImpl) Count(ctx context.Context, filter models.ScheduledEventFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.ScheduledEvent{}), filter)

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count scheduled events: %w", err)
	}
	return count, nil
}

// Exists checks if any scheduled event matching the filter exists
func (r *ScheduledEventRepositoryImpl) Exists(ctx context.Context, filter models.ScheduledEventFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListByTenant returns every event of a tenant ordered by schedule
func (r *ScheduledEventRepositoryImpl) ListByTenant(ctx context.Context, tenantID string) ([]*models.ScheduledEvent, error) {
	return r.ByFilter(ctx, models.ScheduledEventFilter{TenantID: &tenantID}, "", 0, 0)
}

// ListFailed returns permanently failed events, optionally for one tenant
func (r *ScheduledEventRepositoryImpl) ListFailed(ctx context.Context, tenantID *string) ([]*models.ScheduledEvent, error) {
	status := models.EventStatusFailed
	return r.ByFilter(ctx, models.ScheduledEventFilter{TenantID: tenantID, Status: &status}, "updated_at DESC, id DESC", 0, 0)
}

// ListDue returns pending events scheduled at or before the given local date and clock
func (r *ScheduledEventRepositoryImpl) ListDue(ctx context.Context, date, clock string, limit int) ([]*models.ScheduledEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	db := r.getDB(ctx)

	var events []*models.ScheduledEvent
	err := db.Model(&models.ScheduledEvent{}).
		Where("status = ?", models.EventStatusPending).
		Where("(date < ? OR (date = ? AND time <= ?))", date, date, clock).
		Order("date ASC, time ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due events: %w", err)
	}
	return events, nil
}

// ListPendingForMerge returns pending events of a tenant on the given dates
func (r *ScheduledEventRepositoryImpl) ListPendingForMerge(ctx context.Context, tenantID string, dates []string) ([]*models.ScheduledEvent, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	status := models.EventStatusPending
	return r.ByFilter(ctx, models.ScheduledEventFilter{TenantID: &tenantID, Status: &status, Dates: dates}, "", 0, 0)
}

// UpdateDetails rewrites the schedule and payload of an event, but only while
// the row still has the status and retry count the caller read (seen,
// seenRetries) and is not being processed. Status and retry bookkeeping are
// written from the passed event.
func (r *ScheduledEventRepositoryImpl) UpdateDetails(ctx context.Context, event *models.ScheduledEvent, seen models.EventStatus, seenRetries int) (bool, error) {
	if event == nil {
		return false, errors.New("scheduled event payload is nil")
	}
	if event.ID == 0 {
		return false, errors.New("scheduled event ID is required for update")
	}

	db := r.getDB(ctx)
	result := db.Model(&models.ScheduledEvent{}).
		Where("id = ? AND tenant_id = ? AND status = ? AND status <> ? AND retry_count = ?",
			event.ID, event.TenantID, seen, models.EventStatusProcessing, seenRetries).
		Updates(map[string]any{
			"type":        event.Type,
			"value":       event.Value,
			"date":        time.Time(event.Date).Format(models.DateLayout),
			"time":        event.ScheduledClock(),
			"status":      event.Status,
			"retry_count": event.RetryCount,
			"last_error":  event.LastError,
			"updated_at":  event.UpdatedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update scheduled event %d: %w", event.ID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Delete removes an event; false when it did not exist
func (r *ScheduledEventRepositoryImpl) Delete(ctx context.Context, id uint) (bool, error) {
	db := r.getDB(ctx)
	result := db.Delete(&models.ScheduledEvent{}, id)
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete scheduled event %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// TryClaim moves a pending event to processing in one conditional statement.
// Exactly one concurrent caller observes true.
func (r *ScheduledEventRepositoryImpl) TryClaim(ctx context.Context, id uint, now time.Time) (bool, error) {
	return r.transition(ctx, id, models.EventStatusPending, map[string]any{
		"status":     models.EventStatusProcessing,
		"updated_at": now,
	})
}

// MarkCompleted finalizes a processing event after a successful send
func (r *ScheduledEventRepositoryImpl) MarkCompleted(ctx context.Context, id uint, now time.Time) (bool, error) {
	return r.transition(ctx, id, models.EventStatusProcessing, map[string]any{
		"status":      models.EventStatusCompleted,
		"executed_at": now,
		"updated_at":  now,
	})
}

// ResetFailed returns a failed event to pending with clean retry bookkeeping
func (r *ScheduledEventRepositoryImpl) ResetFailed(ctx context.Context, id uint, now time.Time) (bool, error) {
	return r.transition(ctx, id, models.EventStatusFailed, resetUpdates(now))
}

func (r *ScheduledEventRepositoryImpl) transition(ctx context.Context, id uint, from models.EventStatus, updates map[string]any) (bool, error) {
	db := r.getDB(ctx)
	result := db.Model(&models.ScheduledEvent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update scheduled event %d from %s: %w", id, from, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func resetUpdates(now time.Time) map[string]any {
	return map[string]any{
		"status":      models.EventStatusPending,
		"retry_count": 0,
		"last_error":  gorm.Expr("NULL"),
		"updated_at":  now,
	}
}

// ResetAllFailed resets every failed event, optionally for one tenant
func (r *ScheduledEventRepositoryImpl) ResetAllFailed(ctx context.Context, tenantID *string, now time.Time) (int64, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.ScheduledEvent{}).Where("status = ?", models.EventStatusFailed)
	if tenantID != nil {
		query = query.Where("tenant_id = ?", *tenantID)
	}
	result := query.Updates(resetUpdates(now))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset failed events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RecordFailure counts a failed attempt on a processing event and decides
// between pending and failed in the same statement. It returns nil when the
// event was no longer processing.
func (r *ScheduledEventRepositoryImpl) RecordFailure(ctx context.Context, id uint, message string, now time.Time) (*models.FailureOutcome, error) {
	db := r.getDB(ctx)

	var rows []models.FailureOutcome
	if err := db.Raw(recordFailureSQL, message, now, id).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to record failure for event %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RecoverStale returns processing events last touched before cutoff to the
// pool, charging one retry each. note is prefixed to the lock timestamp in last_error.
func (r *ScheduledEventRepositoryImpl) RecoverStale(ctx context.Context, cutoff, now time.Time, note string) ([]models.RecoveredEvent, error) {
	db := r.getDB(ctx)

	var rows []models.RecoveredEvent
	err := db.Raw(recoverStaleSQL, note, models.MaxLastErrorLength, now, cutoff).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale events: %w", err)
	}
	return rows, nil
}

// ReplaceWithMerged inserts merged and deletes the superseded pending rows in one transaction
func (r *ScheduledEventRepositoryImpl) ReplaceWithMerged(ctx context.Context, merged *models.ScheduledEvent, supersededIDs []uint) error {
	if merged == nil {
		return errors.New("merged event is nil")
	}
	return WithTransaction(ctx, r.DB, func(txCtx context.Context) error {
		if err := r.Save(txCtx, merged); err != nil {
			return err
		}
		if len(supersededIDs) == 0 {
			return nil
		}

		db := r.getDB(txCtx)
		result := db.Where("id IN ? AND tenant_id = ? AND status = ?", supersededIDs, merged.TenantID, models.EventStatusPending).
			Delete(&models.ScheduledEvent{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete superseded events: %w", result.Error)
		}
		if result.RowsAffected != int64(len(supersededIDs)) {
			return ErrMergeMembersChanged
		}
		return nil
	})
}

// CountByStatus returns the number of events per status
func (r *ScheduledEventRepositoryImpl) CountByStatus(ctx context.Context) (map[models.EventStatus]int64, error) {
	db := r.getDB(ctx)

	var rows []struct {
		Status models.EventStatus
		Total  int64
	}
	err := db.Model(&models.ScheduledEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count events by status: %w", err)
	}

	counts := make(map[models.EventStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// CountStale returns the number of processing events last touched before cutoff
func (r *ScheduledEventRepositoryImpl) CountStale(ctx context.Context, cutoff time.Time) (int64, error) {
	db := r.getDB(ctx)

	var count int64
	err := db.Model(&models.ScheduledEvent{}).
		Where("status = ? AND updated_at < ?", models.EventStatusProcessing, cutoff).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count stale events: %w", err)
	}
	return count, nil
}
