package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/hookrelay/internal/runtime/jsoncodec"
)

// DefaultRedisKeyPrefix namespaces every key the Redis store writes. The
// braces are a cluster hash tag, so MGET and MULTI over the store's keys
// stay in one slot.
const DefaultRedisKeyPrefix = "{hookrelay:subscriptions}"

// RedisStore keeps each subscription as a JSON string plus per-topic and
// global id sets.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store using client. An empty prefix selects
// DefaultRedisKeyPrefix; a prefix without a hash tag is wrapped in one.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if !strings.Contains(prefix, "{") {
		prefix = "{" + prefix + "}"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) subKey(id string) string {
	return fmt.Sprintf("%s:id:%s", r.prefix, id)
}

func (r *RedisStore) topicKey(topic string) string {
	return fmt.Sprintf("%s:topic:%s", r.prefix, topic)
}

func (r *RedisStore) allKey() string {
	return r.prefix + ":all"
}

func (r *RedisStore) Insert(ctx context.Context, sub Subscription) error {
	data, err := jsoncodec.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.subKey(sub.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	if !created {
		return ErrDuplicateID
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.topicKey(sub.Topic()), sub.ID)
		pipe.SAdd(ctx, r.allKey(), sub.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index subscription: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Subscription, error) {
	data, err := r.client.Get(ctx, r.subKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub Subscription
	if err := jsoncodec.Unmarshal(data, &sub); err != nil {
		return Subscription{}, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return sub, nil
}

func (r *RedisStore) ByTopic(ctx context.Context, topic string) ([]Subscription, error) {
	return r.loadSet(ctx, r.topicKey(topic))
}

func (r *RedisStore) All(ctx context.Context) ([]Subscription, error) {
	return r.loadSet(ctx, r.allKey())
}

func (r *RedisStore) UpdateState(ctx context.Context, id string, next State, at time.Time, check func(State) error) (Subscription, error) {
	key := r.subKey(id)
	var updated Subscription

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var sub Subscription
		if err := jsoncodec.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		if err := check(sub.State); err != nil {
			return err
		}
		sub.State = next
		sub.UpdatedAt = at

		encoded, err := jsoncodec.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = sub
		return nil
	}, key)
	if err != nil {
		return Subscription{}, err
	}
	return updated, nil
}

func (r *RedisStore) loadSet(ctx context.Context, setKey string) ([]Subscription, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription ids: %w", err)
	}
	if len(ids) == 0 {
		return []Subscription{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.subKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var sub Subscription
		if err := jsoncodec.Unmarshal([]byte(s), &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}
