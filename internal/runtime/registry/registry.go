package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	idspkg "github.com/drblury/hookrelay/internal/runtime/ids"
)

// Store persists subscriptions. Implementations must be safe for
// concurrent use and must return subscriptions in creation order.
type Store interface {
	// Insert stores a new subscription. It fails with ErrDuplicateID when
	// the id is taken.
	Insert(ctx context.Context, sub Subscription) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Subscription, error)
	// ByTopic returns every subscription, in any state, whose topic equals topic.
	ByTopic(ctx context.Context, topic string) ([]Subscription, error)
	// All returns every subscription in any state.
	All(ctx context.Context) ([]Subscription, error)
	// UpdateState moves a subscription to next when check approves the
	// current state, and returns the updated record.
	UpdateState(ctx context.Context, id string, next State, at time.Time, check func(current State) error) (Subscription, error)
}

// Option customises a Registry.
type Option func(*Registry)

// WithIDGenerator replaces the subscription id generator.
func WithIDGenerator(gen idspkg.Generator) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry validates registrations, assigns identities and gates fan-out
// eligibility on subscription state.
type Registry struct {
	store Store
	newID idspkg.Generator
	now   func() time.Time
}

// New builds a Registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		newID: idspkg.NewUUID,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates c, assigns a fresh id and stores the subscription in
// the registered state.
func (r *Registry) Register(ctx context.Context, c Candidate) (Subscription, error) {
	if err := ValidateCandidate(c); err != nil {
		return Subscription{}, err
	}

	now := r.now()
	sub := Subscription{
		ID:          r.newID(),
		CallbackURL: c.CallbackURL,
		SubscribeOn: c.SubscribeOn,
		Secret:      c.Secret,
		State:       StateRegistered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Insert(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("store subscription: %w", err)
	}
	return sub, nil
}

// LookupByTopic returns the active subscriptions whose topic equals topic
// exactly. An empty topic or no match yields an empty slice.
func (r *Registry) LookupByTopic(ctx context.Context, topic string) ([]Subscription, error) {
	if topic == "" {
		return []Subscription{}, nil
	}
	subs, err := r.store.ByTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("lookup topic %q: %w", topic, err)
	}
	return activeOnly(subs), nil
}

// Active returns every subscription currently eligible for fan-out.
func (r *Registry) Active(ctx context.Context) ([]Subscription, error) {
	subs, err := r.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return activeOnly(subs), nil
}

// Get returns a subscription in any state.
func (r *Registry) Get(ctx context.Context, id string) (Subscription, error) {
	return r.store.Get(ctx, id)
}

// Suspend pauses fan-out to a registered subscription.
func (r *Registry) Suspend(ctx context.Context, id string) (Subscription, error) {
	return r.transition(ctx, id, StateSuspended)
}

// Resume makes a suspended subscription eligible again.
func (r *Registry) Resume(ctx context.Context, id string) (Subscription, error) {
	return r.transition(ctx, id, StateRegistered)
}

// Revoke permanently removes a subscription from fan-out.
func (r *Registry) Revoke(ctx context.Context, id string) (Subscription, error) {
	return r.transition(ctx, id, StateRevoked)
}

func (r *Registry) transition(ctx context.Context, id string, next State) (Subscription, error) {
	return r.store.UpdateState(ctx, id, next, r.now(), func(current State) error {
		if !CanTransition(current, next) {
			return &TransitionError{ID: id, From: current, To: next}
		}
		return nil
	})
}

// ValidateCandidate checks a registration request.
func ValidateCandidate(c Candidate) error {
	if strings.TrimSpace(c.CallbackURL) == "" {
		return &ValidationError{Field: "callbackUrl", Reason: "is required"}
	}
	u, err := url.Parse(c.CallbackURL)
	if err != nil {
		return &ValidationError{Field: "callbackUrl", Reason: "is not a valid URI"}
	}
	if !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "callbackUrl", Reason: "must be an absolute URI"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "callbackUrl", Reason: "must use http or https"}
	}
	if c.SubscribeOn.Topic == "" {
		return &ValidationError{Field: "subscribeOn.topic", Reason: "is required"}
	}
	if c.Secret == "" {
		return &ValidationError{Field: "secret", Reason: "is required"}
	}
	return nil
}

// IsNotFound reports whether err means the subscription does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func activeOnly(subs []Subscription) []Subscription {
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out
}
