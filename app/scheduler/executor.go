package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Nurenaissance/fastapinewone/app/scheduler")

// DeliveryExecutor sends a claimed event and writes back its outcome
type DeliveryExecutor struct {
	repo       repository.ScheduledEventRepository
	sender     TemplateSender
	timeout    time.Duration
	instanceID string
	logger     logrus.FieldLogger
	nowFn      func() time.Time
}

func NewDeliveryExecutor(repo repository.ScheduledEventRepository, sender TemplateSender, timeout time.Duration, instanceID string, logger logrus.FieldLogger, nowFn func() time.Time) *DeliveryExecutor {
	if timeout <= 0 {
		timeout = utils.DefaultSendTimeout
	}
	return &DeliveryExecutor{
		repo:       repo,
		sender:     sender,
		timeout:    timeout,
		instanceID: instanceID,
		logger:     logger,
		nowFn:      nowFn,
	}
}

// Process delivers an event this instance holds in processing and reports
// whether the endpoint accepted it. The send and the status write-back are
// detached from ctx cancellation so shutdown lets them finish.
func (e *DeliveryExecutor) Process(ctx context.Context, event *models.ScheduledEvent) bool {
	log := e.logger.WithFields(logrus.Fields{
		"event_id":  event.ID,
		"tenant_id": event.TenantID,
		"instance":  e.instanceID,
	})

	if event.Status != models.EventStatusProcessing {
		deliveriesTotal.WithLabelValues("skipped").Inc()
		log.WithField("status", event.Status).Warn("scheduler: refusing to dispatch event that is not processing")
		return false
	}

	ctx, span := tracer.Start(context.WithoutCancel(ctx), "scheduler.deliver", trace.WithAttributes(
		attribute.Int64("event.id", int64(event.ID)),
		attribute.String("event.tenant_id", event.TenantID),
		attribute.Int("event.retry_count", event.RetryCount),
	))
	defer span.End()

	err := e.send(ctx, event)
	if err == nil {
		deliveriesTotal.WithLabelValues("success").Inc()
		ok, merr := e.repo.MarkCompleted(ctx, event.ID, e.nowFn())
		switch {
		case merr != nil:
			log.WithError(merr).Error("scheduler: delivered but failed to mark completed")
		case !ok:
			log.Warn("scheduler: delivered but event was no longer processing")
		default:
			log.Info("scheduler: event delivered")
		}
		return true
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.recordFailure(ctx, log, event, err)
	return false
}

func (e *DeliveryExecutor) send(ctx context.Context, event *models.ScheduledEvent) error {
	payload, err := models.NormalizeEventValue(event.Value)
	if err != nil {
		return fmt.Errorf("invalid event value: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err = e.sender.SendTemplate(sendCtx, event.TenantID, payload)
	deliveryDuration.Observe(time.Since(start).Seconds())
	return err
}

func (e *DeliveryExecutor) recordFailure(ctx context.Context, log *logrus.Entry, event *models.ScheduledEvent, cause error) {
	message := utils.Truncate(fmt.Sprintf("[%s] %s", e.instanceID, cause.Error()), models.MaxLastErrorLength)

	outcome, err := e.repo.RecordFailure(ctx, event.ID, message, e.nowFn())
	if err != nil {
		deliveriesTotal.WithLabelValues("retry").Inc()
		log.WithError(err).WithField("cause", cause.Error()).Error("scheduler: failed to record delivery failure")
		return
	}
	if outcome == nil {
		deliveriesTotal.WithLabelValues("skipped").Inc()
		log.WithError(cause).Warn("scheduler: delivery failed but event was no longer processing")
		return
	}

	log = log.WithFields(logrus.Fields{
		"retry_count": outcome.RetryCount,
		"status":      outcome.Status,
	}).WithError(cause)

	if outcome.Status == models.EventStatusFailed {
		deliveriesTotal.WithLabelValues("failed").Inc()
		log.Error("scheduler: event permanently failed")
		return
	}
	deliveriesTotal.WithLabelValues("retry").Inc()
	log.Warn("scheduler: delivery failed, will retry")
}
