package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Triggerable is anything that can be asked to scan immediately
type Triggerable interface {
	TriggerScan()
}

// ScanTrigger requests an immediate poll cycle. Broadcast reports whether
// other instances were reached as well.
type ScanTrigger interface {
	RequestScan(ctx context.Context) (broadcast bool, err error)
}

// LocalScanTrigger only wakes the loop of this process
type LocalScanTrigger struct {
	target Triggerable
}

func NewLocalScanTrigger(target Triggerable) *LocalScanTrigger {
	return &LocalScanTrigger{target: target}
}

func (t *LocalScanTrigger) RequestScan(context.Context) (bool, error) {
	t.target.TriggerScan()
	return false, nil
}

// ScanChannel returns the pub/sub channel used for scan requests
func ScanChannel(prefix string) string {
	return prefix + "scheduler:scan"
}

// RedisScanTrigger fans scan requests out to every instance over redis pub/sub
type RedisScanTrigger struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     Triggerable
	logger     logrus.FieldLogger
}

func NewRedisScanTrigger(client *redis.Client, prefix, instanceID string, target Triggerable, logger logrus.FieldLogger) *RedisScanTrigger {
	return &RedisScanTrigger{
		client:     client,
		channel:    ScanChannel(prefix),
		instanceID: instanceID,
		target:     target,
		logger:     logger,
	}
}

// RequestScan wakes the local loop and publishes the request for the others.
// A publish failure still leaves the local scan requested.
func (t *RedisScanTrigger) RequestScan(ctx context.Context) (bool, error) {
	t.target.TriggerScan()
	if err := t.client.Publish(ctx, t.channel, t.instanceID).Err(); err != nil {
		return false, fmt.Errorf("failed to publish scan request: %w", err)
	}
	return true, nil
}

// Run subscribes to the scan channel until ctx is done
func (t *RedisScanTrigger) Run(ctx context.Context) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", t.channel, err)
	}
	t.logger.WithField("channel", t.channel).Info("scheduler: listening for scan requests")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == t.instanceID {
				continue
			}
			t.logger.WithField("from", msg.Payload).Debug("scheduler: scan requested by peer")
			t.target.TriggerScan()
		}
	}
}
