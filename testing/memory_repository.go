package testing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/Nurenaissance/fastapinewone/utils"
)

// MemoryEventRepository is an in-memory ScheduledEventRepository. Every
// method runs under one mutex, so conditional updates are atomic exactly
// like their single-statement SQL counterparts.
type MemoryEventRepository struct {
	mu     sync.Mutex
	rows   map[uint]*models.ScheduledEvent
	nextID uint

	// Failure injection
	ListDueErr      error
	CountErr        error
	ReplaceErr      func(merged *models.ScheduledEvent, supersededIDs []uint) error
	RecordFailureFn func(id uint)
}

var _ repository.ScheduledEventRepository = (*MemoryEventRepository)(nil)

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{rows: make(map[uint]*models.ScheduledEvent)}
}

func clone(e *models.ScheduledEvent) *models.ScheduledEvent {
	c := *e
	c.Value = slices.Clone(e.Value)
	if e.LastError != nil {
		s := *e.LastError
		c.LastError = &s
	}
	if e.ExecutedAt != nil {
		t := *e.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

func less(a, b *models.ScheduledEvent) bool {
	if ad, bd := a.ScheduledDate(), b.ScheduledDate(); ad != bd {
		return ad < bd
	}
	if ac, bc := a.ScheduledClock(), b.ScheduledClock(); ac != bc {
		return ac < bc
	}
	return a.ID < b.ID
}

func (r *MemoryEventRepository) selectLocked(match func(*models.ScheduledEvent) bool) []*models.ScheduledEvent {
	var out []*models.ScheduledEvent
	for _, e := range r.rows {
		if match(e) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func matchFilter(e *models.ScheduledEvent, f models.ScheduledEventFilter) bool {
	if f.ID != nil && e.ID != *f.ID {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if f.TenantID != nil && e.TenantID != *f.TenantID {
		return false
	}
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	if len(f.Dates) > 0 && !slices.Contains(f.Dates, e.ScheduledDate()) {
		return false
	}
	return true
}

// Put stores event as-is, assigning an ID when it has none
func (r *MemoryEventRepository) Put(event *models.ScheduledEvent) *models.ScheduledEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(event)
	return clone(event)
}

func (r *MemoryEventRepository) insertLocked(event *models.ScheduledEvent) {
	if event.ID == 0 {
		r.nextID++
		event.ID = r.nextID
	} else if event.ID > r.nextID {
		r.nextID = event.ID
	}
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}
	if event.MaxRetries == 0 {
		event.MaxRetries = models.DefaultMaxRetries
	}
	now := utils.UTCNow()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = now
	}
	r.rows[event.ID] = clone(event)
}

// Get returns a copy of the stored row or nil
func (r *MemoryEventRepository) Get(id uint) *models.ScheduledEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rows[id]; ok {
		return clone(e)
	}
	return nil
}

// Len returns the number of stored rows
func (r *MemoryEventRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *MemoryEventRepository) ByID(_ context.Context, id uint) (*models.ScheduledEvent, error) {
	return r.Get(id), nil
}

func (r *MemoryEventRepository) ByFilter(_ context.Context, filter models.ScheduledEventFilter, _ string, limit, offset int) ([]*models.ScheduledEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.selectLocked(func(e *models.ScheduledEvent) bool { return matchFilter(e, filter) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryEventRepository) Save(_ context.Context, event *models.ScheduledEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = 0
	r.insertLocked(event)
	return nil
}

func (r *MemoryEventRepository) Count(ctx context.Context, filter models.ScheduledEventFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(rows)), err
}

func (r *MemoryEventRepository) Exists(ctx context.Context, filter models.ScheduledEventFilter) (bool, error) {
	n, err := r.Count(ctx, filter)
	return n > 0, err
}

func (r *MemoryEventRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.ScheduledEvent, error) {
	return r.ByFilter(ctx, models.ScheduledEventFilter{TenantID: &tenantID}, "", 0, 0)
}

func (r *MemoryEventRepository) ListFailed(ctx context.Context, tenantID *string) ([]*models.ScheduledEvent, error) {
	status := models.EventStatusFailed
	return r.ByFilter(ctx, models.ScheduledEventFilter{TenantID: tenantID, Status: &status}, "", 0, 0)
}

func (r *MemoryEventRepository) ListDue(_ context.Context, date, clock string, limit int) ([]*models.ScheduledEvent, error) {
	if r.ListDueErr != nil {
		return nil, r.ListDueErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.selectLocked(func(e *models.ScheduledEvent) bool {
		if e.Status != models.EventStatusPending {
			return false
		}
		d := e.ScheduledDate()
		return d < date || (d == date && e.ScheduledClock() <= clock)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryEventRepository) ListPendingForMerge(ctx context.Context, tenantID string, dates []string) ([]*models.ScheduledEvent, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	status := models.EventStatusPending
	return r.ByFilter(ctx, models.ScheduledEventFilter{TenantID: &tenantID, Status: &status, Dates: dates}, "", 0, 0)
}

func (r *MemoryEventRepository) UpdateDetails(_ context.Context, event *models.ScheduledEvent, seen models.EventStatus, seenRetries int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[event.ID]
	if !ok || row.TenantID != event.TenantID || row.Status == models.EventStatusProcessing ||
		row.Status != seen || row.RetryCount != seenRetries {
		return false, nil
	}
	row.Type = event.Type
	row.Value = slices.Clone(event.Value)
	row.Date = event.Date
	row.Time = event.Time
	row.Status = event.Status
	row.RetryCount = event.RetryCount
	row.LastError = event.LastError
	row.UpdatedAt = event.UpdatedAt
	return true, nil
}

func (r *MemoryEventRepository) Delete(_ context.Context, id uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return false, nil
	}
	delete(r.rows, id)
	return true, nil
}

func (r *MemoryEventRepository) TryClaim(_ context.Context, id uint, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != models.EventStatusPending {
		return false, nil
	}
	row.Status = models.EventStatusProcessing
	row.UpdatedAt = now
	return true, nil
}

func (r *MemoryEventRepository) MarkCompleted(_ context.Context, id uint, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != models.EventStatusProcessing {
		return false, nil
	}
	row.Status = models.EventStatusCompleted
	row.ExecutedAt = &now
	row.UpdatedAt = now
	return true, nil
}

func (r *MemoryEventRepository) RecordFailure(_ context.Context, id uint, message string, now time.Time) (*models.FailureOutcome, error) {
	if r.RecordFailureFn != nil {
		r.RecordFailureFn(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != models.EventStatusProcessing {
		return nil, nil
	}
	row.RetryCount++
	row.Status = models.EventStatusPending
	if row.RetryCount >= row.MaxRetries {
		row.Status = models.EventStatusFailed
	}
	row.LastError = &message
	row.UpdatedAt = now
	return &models.FailureOutcome{ID: row.ID, Status: row.Status, RetryCount: row.RetryCount}, nil
}

func (r *MemoryEventRepository) RecoverStale(_ context.Context, cutoff, now time.Time, note string) ([]models.RecoveredEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RecoveredEvent
	for _, row := range r.rows {
		if row.Status != models.EventStatusProcessing || !row.UpdatedAt.Before(cutoff) {
			continue
		}
		annotation := note + row.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		if row.LastError != nil {
			annotation = *row.LastError + " | " + annotation
		}
		if runes := []rune(annotation); len(runes) > models.MaxLastErrorLength {
			annotation = string(runes[len(runes)-models.MaxLastErrorLength:])
		}
		row.RetryCount++
		row.Status = models.EventStatusPending
		if row.RetryCount >= row.MaxRetries {
			row.Status = models.EventStatusFailed
		}
		row.LastError = &annotation
		row.UpdatedAt = now
		out = append(out, models.RecoveredEvent{ID: row.ID, TenantID: row.TenantID, Status: row.Status, RetryCount: row.RetryCount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func resetRow(row *models.ScheduledEvent, now time.Time) {
	row.Status = models.EventStatusPending
	row.RetryCount = 0
	row.LastError = nil
	row.UpdatedAt = now
}

func (r *MemoryEventRepository) ResetFailed(_ context.Context, id uint, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != models.EventStatusFailed {
		return false, nil
	}
	resetRow(row, now)
	return true, nil
}

func (r *MemoryEventRepository) ResetAllFailed(_ context.Context, tenantID *string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status != models.EventStatusFailed || (tenantID != nil && row.TenantID != *tenantID) {
			continue
		}
		resetRow(row, now)
		n++
	}
	return n, nil
}

func (r *MemoryEventRepository) ReplaceWithMerged(_ context.Context, merged *models.ScheduledEvent, supersededIDs []uint) error {
	if merged == nil {
		return errors.New("merged event is nil")
	}
	if r.ReplaceErr != nil {
		if err := r.ReplaceErr(merged, supersededIDs); err != nil {
			return fmt.Errorf("failed to save entity: %w", err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range supersededIDs {
		row, ok := r.rows[id]
		if !ok || row.TenantID != merged.TenantID || row.Status != models.EventStatusPending {
			return repository.ErrMergeMembersChanged
		}
	}
	merged.ID = 0
	r.insertLocked(merged)
	for _, id := range supersededIDs {
		delete(r.rows, id)
	}
	return nil
}

func (r *MemoryEventRepository) CountByStatus(_ context.Context) (map[models.EventStatus]int64, error) {
	if r.CountErr != nil {
		return nil, r.CountErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[models.EventStatus]int64)
	for _, row := range r.rows {
		counts[row.Status]++
	}
	return counts, nil
}

func (r *MemoryEventRepository) CountStale(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == models.EventStatusProcessing && row.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}
