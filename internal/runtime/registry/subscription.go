// Package registry stores webhook subscriptions and answers the topic
// lookups that drive fan-out.
package registry

import (
	"time"

	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
)

// State is the lifecycle state of a subscription.
type State string

const (
	StateRegistered State = "registered"
	StateSuspended  State = "suspended"
	StateRevoked    State = "revoked"
)

// SubscribeOn names the topic a subscriber is interested in. Value is an
// opaque qualifier echoed back to the client.
type SubscribeOn struct {
	Topic string `json:"topic"`
	Value string `json:"value,omitempty"`
}

// Candidate is an unvalidated registration request.
type Candidate struct {
	CallbackURL string
	SubscribeOn SubscribeOn
	Secret      string
}

// Subscription is a stored registration. ID and CreatedAt never change
// after Register.
type Subscription struct {
	ID          string      `json:"id"`
	CallbackURL string      `json:"callbackUrl"`
	SubscribeOn SubscribeOn `json:"subscribeOn"`
	Secret      string      `json:"secret"`
	State       State       `json:"state"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Topic returns the subscribed topic.
func (s Subscription) Topic() string {
	return s.SubscribeOn.Topic
}

// Active reports whether the subscription is eligible for fan-out.
func (s Subscription) Active() bool {
	return s.State == StateRegistered
}

// LogFields describes the subscription without its secret.
func (s Subscription) LogFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"subscription_id": s.ID,
		"callback_url":    s.CallbackURL,
		"topic":           s.Topic(),
		"state":           string(s.State),
	}
}

var transitions = map[State][]State{
	StateRegistered: {StateSuspended, StateRevoked},
	StateSuspended:  {StateRegistered, StateRevoked},
}

// CanTransition reports whether a subscription in from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
