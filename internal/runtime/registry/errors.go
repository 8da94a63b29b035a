package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("hookrelay: invalid subscription")

	ErrNotFound          = errors.New("hookrelay: subscription not found")
	ErrDuplicateID       = errors.New("hookrelay: subscription id already exists")
	ErrInvalidTransition = errors.New("hookrelay: invalid subscription state transition")
)

// ValidationError reports malformed registration input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hookrelay: invalid subscription: %s %s", e.Field, e.Reason)
}

// Is implements errors.Is for ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError reports a lifecycle change the state machine forbids.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("hookrelay: subscription %s cannot move from %s to %s", e.ID, e.From, e.To)
}

// Is implements errors.Is for TransitionError.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
