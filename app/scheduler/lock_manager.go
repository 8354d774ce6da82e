package scheduler

import (
	"context"
	"time"

	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/repository"
)

// LockManager hands out exclusive ownership of due events. Ownership is the
// processing status itself; there is no separate lock table.
type LockManager struct {
	repo  repository.ScheduledEventRepository
	nowFn func() time.Time
}

func NewLockManager(repo repository.ScheduledEventRepository, nowFn func() time.Time) *LockManager {
	return &LockManager{repo: repo, nowFn: nowFn}
}

// TryClaim returns true when this caller moved the event from pending to
// processing. Losing the race is not an error.
func (m *LockManager) TryClaim(ctx context.Context, id uint) (bool, error) {
	ok, err := m.repo.TryClaim(ctx, id, m.nowFn())
	if err != nil {
		return false, err
	}
	if !ok {
		claimConflictsTotal.Inc()
	}
	return ok, nil
}

// Claim claims the event and re-reads it so the caller dispatches the
// claimed snapshot. It returns nil when the claim was lost. The re-read
// after a won claim ignores cancellation.
func (m *LockManager) Claim(ctx context.Context, id uint) (*models.ScheduledEvent, error) {
	ok, err := m.TryClaim(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	return m.repo.ByID(context.WithoutCancel(ctx), id)
}
