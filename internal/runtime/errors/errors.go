package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("chimpflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("chimpflow: logger is required")
	ErrEventSourceRequired = sterrors.New("chimpflow: event source is required")
	ErrJobQueueRequired    = sterrors.New("chimpflow: job queue is required")
	ErrSinkRequired        = sterrors.New("chimpflow: prediction sink is required")
	ErrPublisherRequired   = sterrors.New("chimpflow: publisher is required")
	ErrTopicRequired       = sterrors.New("chimpflow: topic is required")
	ErrDispatcherStarted   = sterrors.New("chimpflow: dispatcher already started")
)

// ConfigValidationError is returned when a Config fails validation at startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("chimpflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
