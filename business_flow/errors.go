// Package businessflow contains the use cases behind the admin surface of the scheduling service
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Scheduled event errors
	ErrScheduledEventNotFound = errors.New("scheduled event not found")
	ErrEventNotFailed         = errors.New("scheduled event is not in failed state")
	ErrEventProcessing        = errors.New("scheduled event is being processed")
	ErrEventChanged           = errors.New("scheduled event changed since it was read")
	ErrScheduleInPast         = errors.New("schedule is in the past")
	ErrInvalidEventValue      = errors.New("event value must be a JSON object")
	ErrDateRequired           = errors.New("date is required")
	ErrTimeRequired           = errors.New("time is required")
	ErrTypeRequired           = errors.New("type is required")
	ErrTenantIDRequired       = errors.New("tenant ID is required")

	// Merge errors
	ErrMergeInProgress = errors.New("merge already in progress for tenant")

	// Scheduler errors
	ErrSchedulerDisabled = errors.New("scheduler is not enabled on this instance")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsScheduledEventNotFound(err error) bool {
	return errors.Is(err, ErrScheduledEventNotFound)
}

func IsEventNotFailed(err error) bool {
	return errors.Is(err, ErrEventNotFailed)
}

func IsEventProcessing(err error) bool {
	return errors.Is(err, ErrEventProcessing)
}

func IsEventChanged(err error) bool {
	return errors.Is(err, ErrEventChanged)
}

func IsScheduleInPast(err error) bool {
	return errors.Is(err, ErrScheduleInPast)
}

func IsInvalidEventValue(err error) bool {
	return errors.Is(err, ErrInvalidEventValue)
}

func IsMergeInProgress(err error) bool {
	return errors.Is(err, ErrMergeInProgress)
}

func IsSchedulerDisabled(err error) bool {
	return errors.Is(err, ErrSchedulerDisabled)
}

// IsValidationError reports whether err was caused by bad caller input
func IsValidationError(err error) bool {
	var be *BusinessError
	if !errors.As(err, &be) {
		return false
	}
	switch be.Code {
	case "VALIDATION_ERROR", "INVALID_VALUE", "SCHEDULE_IN_PAST":
		return true
	}
	return false
}
