package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/ttacon/libphonenumber"
)

// EventMergeFlow collapses pending events that send the same template on
// the same day into one event addressed to the union of their recipients
type EventMergeFlow interface {
	MergeTenantEvents(ctx context.Context, tenantID string) (*dto.MergeReport, error)
}

// EventMergeFlowImpl implements EventMergeFlow
type EventMergeFlowImpl struct {
	repo       repository.ScheduledEventRepository
	clock      *utils.SchedulingClock
	locks      tenantLocker
	region     string
	maxRetries int
	logger     logrus.FieldLogger
}

// NewEventMergeFlow creates a merge flow. With a nil locker merges are only
// serialized within this process.
func NewEventMergeFlow(
	repo repository.ScheduledEventRepository,
	clock *utils.SchedulingClock,
	locker *redislock.Client,
	cacheCfg config.CacheConfig,
	mergeCfg config.MergeConfig,
	whatsappCfg config.WhatsAppConfig,
	maxRetries int,
	logger logrus.FieldLogger,
) EventMergeFlow {
	var locks tenantLocker = newProcessMergeLocks()
	if locker != nil {
		ttl := mergeCfg.LockTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		locks = &redisMergeLocks{client: locker, prefix: cacheCfg.RedisPrefix, ttl: ttl}
	}
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	region := strings.ToUpper(whatsappCfg.PhoneRegion)
	if region == "" {
		region = "IN"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventMergeFlowImpl{
		repo:       repo,
		clock:      clock,
		locks:      locks,
		region:     region,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

type mergeKey struct {
	template string
	date     string
}

type mergeMember struct {
	event *models.ScheduledEvent
	value *models.EventValue
}

func (f *EventMergeFlowImpl) MergeTenantEvents(ctx context.Context, tenantID string) (*dto.MergeReport, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, NewBusinessError("VALIDATION_ERROR", "tenant ID is required", ErrTenantIDRequired)
	}

	release, err := f.locks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	window := []string{f.clock.Now().Format(models.DateLayout), f.clock.Tomorrow()}
	candidates, err := f.repo.ListPendingForMerge(ctx, tenantID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge candidates: %w", err)
	}

	report := &dto.MergeReport{
		TenantID:     tenantID,
		Window:       window,
		Candidates:   len(candidates),
		MergedGroups: []dto.MergedGroupDTO{},
		Failures:     []dto.MergeFailureDTO{},
		Skipped:      []uint{},
	}

	// candidates arrive ordered by date, time, id so every group is too
	var keys []mergeKey
	groups := make(map[mergeKey][]mergeMember)
	for _, ev := range candidates {
		value, err := models.ParseEventValue(ev.Value)
		if err != nil || value.TemplateName() == "" {
			report.Skipped = append(report.Skipped, ev.ID)
			continue
		}
		key := mergeKey{template: value.TemplateName(), date: ev.ScheduledDate()}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], mergeMember{event: ev, value: value})
	}

	log := f.logger.WithField("tenant_id", tenantID)
	for _, key := range keys {
		members := groups[key]
		if len(members) < 2 {
			continue
		}

		ids := make([]uint, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.event.ID)
		}

		merged, recipients, err := f.mergeGroup(ctx, tenantID, members, ids)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"template":  key.template,
				"date":      key.date,
				"event_ids": ids,
			}).Warn("merge: group rolled back")
			report.Failures = append(report.Failures, dto.MergeFailureDTO{
				TemplateName: key.template,
				EventDate:    key.date,
				EventIDs:     ids,
				Error:        err.Error(),
			})
			continue
		}

		log.WithFields(logrus.Fields{
			"template":        key.template,
			"date":            key.date,
			"merged_event_id": merged.ID,
			"deleted":         ids,
			"recipients":      recipients,
		}).Info("merge: group consolidated")
		report.MergedGroups = append(report.MergedGroups, dto.MergedGroupDTO{
			MergedEventID:   merged.ID,
			TemplateName:    key.template,
			EventDate:       key.date,
			RecipientCount:  recipients,
			DeletedEventIDs: ids,
		})
	}

	return report, nil
}

// mergeGroup builds the consolidated event and swaps it in for members.
// A panic is reported as a failure of this group only.
func (f *EventMergeFlowImpl) mergeGroup(ctx context.Context, tenantID string, members []mergeMember, ids []uint) (merged *models.ScheduledEvent, recipients int, err error) {
	defer func() {
		if r := recover(); r != nil {
			merged, recipients, err = nil, 0, fmt.Errorf("merge panicked: %v", r)
		}
	}()

	latest := members[0]
	for _, m := range members[1:] {
		if m.event.ScheduledClock() >= latest.event.ScheduledClock() {
			latest = m
		}
	}

	set := newRecipientSet(f.region)
	for _, m := range members {
		for _, phone := range m.value.PhoneNumbers {
			set.add(phone)
		}
	}

	value, err := mergedValue(latest.event.Value, set.list)
	if err != nil {
		return nil, 0, err
	}

	now := utils.UTCNow()
	merged = &models.ScheduledEvent{
		TenantID:   tenantID,
		Type:       models.EventTypeTemplate,
		Value:      value,
		Date:       latest.event.Date,
		Time:       latest.event.Time,
		Status:     models.EventStatusPending,
		RetryCount: 0,
		MaxRetries: f.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := f.repo.ReplaceWithMerged(ctx, merged, ids); err != nil {
		return nil, 0, err
	}
	return merged, len(set.list), nil
}

// mergedValue keeps every field of the latest member and replaces its recipient
// list. The merged send spans several broadcast groups, so bg_id is "null".
func mergedValue(latest []byte, phones []string) ([]byte, error) {
	normalized, err := models.NormalizeEventValue(latest)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(normalized, &fields); err != nil {
		return nil, err
	}
	rawPhones, err := json.Marshal(phones)
	if err != nil {
		return nil, err
	}
	fields["phoneNumbers"] = rawPhones
	fields["bg_id"] = json.RawMessage(`"null"`)
	return json.Marshal(fields)
}

// recipientSet keeps recipients in order of first appearance. Numbers that
// parse as valid for the region are compared in E.164 form.
type recipientSet struct {
	region string
	seen   map[string]struct{}
	list   []string
}

func newRecipientSet(region string) *recipientSet {
	return &recipientSet{region: region, seen: make(map[string]struct{})}
}

func (s *recipientSet) add(phone string) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return
	}
	key := phone
	if num, err := libphonenumber.Parse(phone, s.region); err == nil && libphonenumber.IsValidNumber(num) {
		key = libphonenumber.Format(num, libphonenumber.E164)
	}
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.list = append(s.list, phone)
}
