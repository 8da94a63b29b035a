package cloudevents

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every DecodeError.
	ErrDecode = errors.New("hookrelay: cannot decode cloudevent")

	// ErrInvalidExtension matches every InvalidExtensionError.
	ErrInvalidExtension = errors.New("hookrelay: invalid extension attribute")

	// ErrDeadLetter signals that a message must go to the dead-letter queue
	// without further attempts.
	ErrDeadLetter = errors.New("hookrelay: send to dead letter queue")
)

// DecodeError reports a transport message that does not carry a usable
// CloudEvent.
type DecodeError struct {
	Binding   string
	Attribute string
	Reason    string
	Cause     error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("hookrelay: decode %s binding: attribute %q %s", e.Binding, e.Attribute, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// InvalidExtensionError reports an extension name CloudEvents does not allow.
type InvalidExtensionError struct {
	Name   string
	Reason string
}

func (e *InvalidExtensionError) Error() string {
	return fmt.Sprintf("hookrelay: extension %q: %s", e.Name, e.Reason)
}

// Is implements errors.Is for InvalidExtensionError.
func (e *InvalidExtensionError) Is(target error) bool {
	return target == ErrInvalidExtension
}

// DeadLetterError signals that a message should be sent to DLQ with a reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// ErrDeadLetterWithReason creates a DeadLetterError with a specific reason.
func ErrDeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("hookrelay: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("hookrelay: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for DeadLetterError.
func (e *DeadLetterError) Is(target error) bool {
	return target == ErrDeadLetter
}

// ShouldDeadLetter reports whether err routes a message to the dead-letter
// queue: undecodable input and explicit dead-letter requests.
func ShouldDeadLetter(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDecode) || errors.Is(err, ErrDeadLetter)
}
