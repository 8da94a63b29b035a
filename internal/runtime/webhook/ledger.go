package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers successful deliveries so a redelivered envelope is not
// POSTed twice.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// LedgerKey identifies one delivery of one event to one subscription.
func LedgerKey(eventID, subscriptionID string) string {
	return eventID + ":" + subscriptionID
}

// MemoryLedger keeps entries in process memory until they expire.
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

// NewMemoryLedger returns a ledger whose entries live for ttl. A zero ttl
// keeps entries forever.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

func (l *MemoryLedger) Seen(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expires, ok := l.entries[key]
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && !l.now().Before(expires) {
		delete(l.entries, key)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) Mark(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, expires := range l.entries {
		if !expires.IsZero() && !now.Before(expires) {
			delete(l.entries, k)
		}
	}
	var expires time.Time
	if l.ttl > 0 {
		expires = now.Add(l.ttl)
	}
	l.entries[key] = expires
	return nil
}

// DefaultLedgerPrefix namespaces the Redis ledger keys.
const DefaultLedgerPrefix = "hookrelay:deliveries"

// RedisLedger shares the ledger between dispatcher replicas.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger returns a ledger backed by client. An empty prefix selects
// DefaultLedgerPrefix.
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = DefaultLedgerPrefix
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(key string) string {
	return l.prefix + ":" + key
}

func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check delivery ledger: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Mark(ctx context.Context, key string) error {
	if err := l.client.SetNX(ctx, l.key(key), time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}
