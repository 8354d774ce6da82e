// Package scheduler runs the poll loop that delivers scheduled events
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/models"
	"github.com/Nurenaissance/fastapinewone/repository"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Options tunes the poll loop
type Options struct {
	InstanceID   string
	PollInterval time.Duration
	StaleTimeout time.Duration
	BatchSize    int
	MaxBackoff   time.Duration
	StopTimeout  time.Duration
	SendTimeout  time.Duration
}

// OptionsFromConfig maps SCHEDULER_* and WHATSAPP_TIMEOUT settings
func OptionsFromConfig(sc config.SchedulerConfig, wc config.WhatsAppConfig) Options {
	return Options{
		InstanceID:   sc.InstanceID,
		PollInterval: sc.PollInterval,
		StaleTimeout: sc.StaleTimeout,
		BatchSize:    sc.BatchSize,
		MaxBackoff:   sc.MaxBackoff,
		StopTimeout:  sc.StopTimeout,
		SendTimeout:  wc.Timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = utils.DefaultPollInterval
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = utils.DefaultStaleTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxBackoff < o.PollInterval {
		o.MaxBackoff = max(5*time.Minute, o.PollInterval)
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = utils.DefaultSendTimeout
	}
	return o
}

// EventScheduler owns one poll loop goroutine. Instances coordinate only
// through the scheduled_events table.
type EventScheduler struct {
	repo     repository.ScheduledEventRepository
	clock    *utils.SchedulingClock
	locks    *LockManager
	recovery *StaleLockRecovery
	executor *DeliveryExecutor
	logger   logrus.FieldLogger
	opts     Options
	nowFn    func() time.Time

	trigger chan struct{}

	mu                  sync.Mutex
	cancel              context.CancelFunc
	done                chan struct{}
	lastCycleAt         *time.Time
	lastCycleErr        error
	consecutiveFailures int
}

// NewEventScheduler wires the lock manager, stale-lock recovery and delivery executor around repo
func NewEventScheduler(
	repo repository.ScheduledEventRepository,
	sender TemplateSender,
	clock *utils.SchedulingClock,
	logger logrus.FieldLogger,
	opts Options,
) *EventScheduler {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("instance", opts.InstanceID)
	nowFn := func() time.Time { return clock.Now().UTC() }

	return &EventScheduler{
		repo:     repo,
		clock:    clock,
		locks:    NewLockManager(repo, nowFn),
		recovery: NewStaleLockRecovery(repo, opts.StaleTimeout, opts.InstanceID, logger, nowFn),
		executor: NewDeliveryExecutor(repo, sender, opts.SendTimeout, opts.InstanceID, logger, nowFn),
		logger:   logger,
		opts:     opts,
		nowFn:    nowFn,
		trigger:  make(chan struct{}, 1),
	}
}

// InstanceID returns the identity written into recovery and failure annotations
func (s *EventScheduler) InstanceID() string {
	return s.opts.InstanceID
}

// Start launches the poll loop in a background goroutine
func (s *EventScheduler) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil || s.aliveLocked() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.loop(ctx, done)

	s.logger.WithFields(logrus.Fields{
		"poll_interval": s.opts.PollInterval.String(),
		"stale_timeout": s.opts.StaleTimeout.String(),
		"batch_size":    s.opts.BatchSize,
	}).Info("scheduler: started")
	return nil
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// An in-flight delivery is allowed to finish.
func (s *EventScheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info("scheduler: stopped")
		return nil
	case <-timer.C:
		s.logger.WithField("stop_timeout", s.opts.StopTimeout.String()).Error("scheduler: loop did not stop gracefully")
		return ErrStopTimeout
	}
}

// TriggerScan asks the loop to run a cycle now. Requests made while one is
// already queued coalesce.
func (s *EventScheduler) TriggerScan() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Running reports whether Start was called without a matching Stop
func (s *EventScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Alive reports whether the loop goroutine is still executing
func (s *EventScheduler) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

func (s *EventScheduler) aliveLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *EventScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		err := s.safeRunOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := s.opts.PollInterval
		if err != nil {
			failures++
			wait = s.backoff(failures)
			s.logger.WithError(err).WithFields(logrus.Fields{
				"consecutive_failures": failures,
				"backoff":              wait.String(),
			}).Error("scheduler: poll cycle failed")
		} else {
			failures = 0
		}
		s.recordCycle(err, failures)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.trigger:
			timer.Stop()
			s.logger.Debug("scheduler: immediate scan requested")
		case <-timer.C:
		}
	}
}

// backoff returns interval * 2^failures capped at MaxBackoff
func (s *EventScheduler) backoff(failures int) time.Duration {
	d := s.opts.PollInterval
	for i := 0; i < failures && d < s.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.opts.MaxBackoff)
}

func (s *EventScheduler) recordCycle(err error, failures int) {
	now := s.nowFn()
	s.mu.Lock()
	s.lastCycleAt = &now
	s.lastCycleErr = err
	s.consecutiveFailures = failures
	s.mu.Unlock()
}

func (s *EventScheduler) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cyclesTotal.WithLabelValues("panic").Inc()
			err = &LoopError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.RunOnce(ctx)
}

// RunOnce performs one cycle: recover stale locks, scan the due set and
// dispatch each event this instance manages to claim.
func (s *EventScheduler) RunOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "scheduler.poll_cycle")
	defer span.End()

	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	recovered, err := s.recovery.Recover(ctx)
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("stale lock recovery: %w", err)
	}

	date, clock := s.clock.Today()
	due, err := s.repo.ListDue(ctx, date, clock, s.opts.BatchSize)
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("due scan: %w", err)
	}
	dueEvents.Set(float64(len(due)))
	span.SetAttributes(
		attribute.Int("scheduler.recovered", recovered),
		attribute.Int("scheduler.due", len(due)),
	)

	if len(due) > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":   len(due),
			"date":  date,
			"clock": clock,
		}).Info("scheduler: processing due events")
	}

	delivered := 0
	for _, ev := range due {
		if ctx.Err() != nil {
			s.logger.Info("scheduler: shutdown requested, leaving remaining due events")
			break
		}
		if s.dispatch(ctx, ev) {
			delivered++
		}
	}

	// a full batch may have left due events behind. A batch where nothing
	// went out waits for the next tick so failing sends are not retried hot.
	if len(due) == s.opts.BatchSize && delivered > 0 && ctx.Err() == nil {
		s.TriggerScan()
	}

	cyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

// dispatch claims and delivers one event and reports whether it went out.
// Errors stay with the event.
func (s *EventScheduler) dispatch(ctx context.Context, ev *models.ScheduledEvent) (delivered bool) {
	log := s.logger.WithFields(logrus.Fields{
		"event_id":  ev.ID,
		"tenant_id": ev.TenantID,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("stack", string(debug.Stack())).
				Error("scheduler: panic while dispatching event")
		}
	}()

	claimed, err := s.locks.Claim(ctx, ev.ID)
	if err != nil {
		log.WithError(err).Error("scheduler: claim failed")
		return false
	}
	if claimed == nil {
		log.Debug("scheduler: event claimed by another instance")
		return false
	}

	return s.executor.Process(ctx, claimed)
}

// Health reports loop state for this instance and status counts for the table
func (s *EventScheduler) Health(ctx context.Context) (*dto.SchedulerHealthResponse, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stuck, err := s.repo.CountStale(ctx, s.recovery.Cutoff(s.nowFn()))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	resp := &dto.SchedulerHealthResponse{
		Running:             s.cancel != nil,
		ThreadAlive:         s.aliveLocked(),
		InstanceID:          s.opts.InstanceID,
		ConsecutiveFailures: s.consecutiveFailures,
	}
	if s.lastCycleAt != nil {
		at := s.lastCycleAt.Format(time.RFC3339)
		resp.LastCycleAt = &at
	}
	if s.lastCycleErr != nil {
		msg := s.lastCycleErr.Error()
		resp.LastCycleError = &msg
	}
	s.mu.Unlock()

	resp.PendingCount = counts[models.EventStatusPending]
	resp.ProcessingCount = counts[models.EventStatusProcessing]
	resp.CompletedCount = counts[models.EventStatusCompleted]
	resp.FailedCount = counts[models.EventStatusFailed]
	resp.StuckCount = stuck
	resp.CurrentTime = s.clock.Now().Format(time.RFC3339)
	resp.Timezone = s.clock.Location().String()

	return resp, nil
}
