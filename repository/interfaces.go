// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/Nurenaissance/fastapinewone/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// ScheduledEventRepository defines operations for scheduled events.
// Every state transition is a single conditional statement; callers learn
// whether they won by the boolean or outcome result.
type ScheduledEventRepository interface {
	Repository[models.ScheduledEvent, models.ScheduledEventFilter]

	ListByTenant(ctx context.Context, tenantID string) ([]*models.ScheduledEvent, error)
	ListFailed(ctx context.Context, tenantID *string) ([]*models.ScheduledEvent, error)
	ListDue(ctx context.Context, date, clock string, limit int) ([]*models.ScheduledEvent, error)
	ListPendingForMerge(ctx context.Context, tenantID string, dates []string) ([]*models.ScheduledEvent, error)

	UpdateDetails(ctx context.Context, event *models.ScheduledEvent, seen models.EventStatus, seenRetries int) (bool, error)
	Delete(ctx context.Context, id uint) (bool, error)

	TryClaim(ctx context.Context, id uint, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id uint, now time.Time) (bool, error)
	RecordFailure(ctx context.Context, id uint, message string, now time.Time) (*models.FailureOutcome, error)
	RecoverStale(ctx context.Context, cutoff, now time.Time, note string) ([]models.RecoveredEvent, error)

	ResetFailed(ctx context.Context, id uint, now time.Time) (bool, error)
	ResetAllFailed(ctx context.Context, tenantID *string, now time.Time) (int64, error)
	ReplaceWithMerged(ctx context.Context, merged *models.ScheduledEvent, supersededIDs []uint) error

	CountByStatus(ctx context.Context) (map[models.EventStatus]int64, error)
	CountStale(ctx context.Context, cutoff time.Time) (int64, error)
}
