package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/sirupsen/logrus"
)

// StaleLockRecovery returns events abandoned in processing by a dead worker
// to the pool. Each recovery costs the event one retry.
type StaleLockRecovery struct {
	repo       repository.ScheduledEventRepository
	window     time.Duration
	instanceID string
	logger     logrus.FieldLogger
	nowFn      func() time.Time
}

func NewStaleLockRecovery(repo repository.ScheduledEventRepository, window time.Duration, instanceID string, logger logrus.FieldLogger, nowFn func() time.Time) *StaleLockRecovery {
	return &StaleLockRecovery{
		repo:       repo,
		window:     window,
		instanceID: instanceID,
		logger:     logger,
		nowFn:      nowFn,
	}
}

// Cutoff returns the lock age boundary for the given instant
func (r *StaleLockRecovery) Cutoff(now time.Time) time.Time {
	return now.Add(-r.window)
}

// Recover runs one recovery pass and returns how many events it touched
func (r *StaleLockRecovery) Recover(ctx context.Context) (int, error) {
	now := r.nowFn()
	note := fmt.Sprintf("[recovered by %s] stale processing lock since ", r.instanceID)

	recovered, err := r.repo.RecoverStale(ctx, r.Cutoff(now), now, note)
	if err != nil {
		return 0, err
	}

	for _, ev := range recovered {
		recoveredTotal.WithLabelValues(ev.Status.String()).Inc()
		entry := r.logger.WithFields(logrus.Fields{
			"event_id":    ev.ID,
			"tenant_id":   ev.TenantID,
			"retry_count": ev.RetryCount,
			"status":      ev.Status,
			"instance":    r.instanceID,
		})
		if ev.Status == models.EventStatusFailed {
			entry.Warn("scheduler: stale lock recovered, retry budget exhausted")
		} else {
			entry.Warn("scheduler: stale lock recovered, event back to pending")
		}
	}

	return len(recovered), nil
}
