package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired     = sterrors.New("hookrelay: configuration is required")
	ErrLoggerRequired     = sterrors.New("hookrelay: logger is required")
	ErrPublisherRequired  = sterrors.New("hookrelay: publisher is required")
	ErrTopicRequired      = sterrors.New("hookrelay: topic is required")
	ErrRegistryRequired   = sterrors.New("hookrelay: subscription registry is required")
	ErrUnknownRole        = sterrors.New("hookrelay: unknown service role")
	ErrDispatcherClosed   = sterrors.New("hookrelay: webhook dispatcher is closed")
	ErrLaneFull           = sterrors.New("hookrelay: subscriber delivery lane is full")
	ErrCallbackURLMissing = sterrors.New("hookrelay: callbackurl extension is missing")
)

// ConfigValidationError wraps the aggregated result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("hookrelay: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
