package webhook

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDelivery matches every DeliveryError.
var ErrDelivery = errors.New("hookrelay: webhook delivery failed")

// DeliveryError describes one failed POST. StatusCode is zero when no
// response was received.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("hookrelay: webhook delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("hookrelay: webhook delivery failed: status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

// Retryable reports whether another attempt may succeed.
func (e *DeliveryError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
