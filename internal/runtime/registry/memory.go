package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps subscriptions in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Subscription
	order   []string
	byTopic map[string][]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Subscription),
		byTopic: make(map[string][]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[sub.ID]; exists {
		return ErrDuplicateID
	}
	m.byID[sub.ID] = sub
	m.order = append(m.order, sub.ID)
	m.byTopic[sub.Topic()] = append(m.byTopic[sub.Topic()], sub.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.byID[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryStore) ByTopic(_ context.Context, topic string) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(m.byTopic[topic]), nil
}

func (m *MemoryStore) All(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(m.order), nil
}

func (m *MemoryStore) UpdateState(_ context.Context, id string, next State, at time.Time, check func(State) error) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byID[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	if err := check(sub.State); err != nil {
		return Subscription{}, err
	}
	sub.State = next
	sub.UpdatedAt = at
	m.byID[id] = sub
	return sub, nil
}

// collect expects m.mu to be held.
func (m *MemoryStore) collect(ids []string) []Subscription {
	out := make([]Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id])
	}
	return out
}
