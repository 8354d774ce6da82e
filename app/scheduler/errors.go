package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrStopTimeout    = errors.New("scheduler loop did not stop within the stop timeout")
)

// LoopError wraps a panic raised inside a poll cycle. The loop logs it,
// backs off and keeps running.
type LoopError struct {
	Value any
	Stack []byte
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("poll cycle panicked: %v", e.Value)
}

// DeliveryError is a non-2xx answer from the send-template endpoint
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("send-template returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("send-template returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsDeliveryError reports whether err carries an HTTP status from the send-template endpoint
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
