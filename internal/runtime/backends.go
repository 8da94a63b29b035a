package runtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	configpkg "github.com/drblury/hookrelay/internal/runtime/config"
	loggingpkg "github.com/drblury/hookrelay/internal/runtime/logging"
	"github.com/drblury/hookrelay/internal/runtime/registry"
	"github.com/drblury/hookrelay/internal/runtime/webhook"
)

func (s *Service) redisClient(ctx context.Context) (redis.UniversalClient, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{s.Conf.RedisAddr},
		Password: s.Conf.RedisPassword,
		DB:       s.Conf.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", s.Conf.RedisAddr, err)
	}
	s.redis = client
	s.closers = append(s.closers, client.Close)
	return client, nil
}

func (s *Service) buildStore(ctx context.Context) (registry.Store, error) {
	switch s.Conf.RegistryBackend {
	case configpkg.BackendRedis:
		client, err := s.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return registry.NewRedisStore(client, registry.DefaultRedisKeyPrefix), nil
	case configpkg.BackendPostgres:
		store, err := registry.NewPostgresStore(ctx, s.Conf.PostgresURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error {
			store.Close()
			return nil
		})
		return store, nil
	case configpkg.BackendMemory, "":
		return registry.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", s.Conf.RegistryBackend)
	}
}

func (s *Service) buildLedger(ctx context.Context) (webhook.Ledger, error) {
	switch s.Conf.LedgerBackend {
	case configpkg.BackendRedis:
		client, err := s.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return webhook.NewRedisLedger(client, webhook.DefaultLedgerPrefix, s.Conf.LedgerTTL), nil
	case configpkg.BackendMemory, "":
		return webhook.NewMemoryLedger(s.Conf.LedgerTTL), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", s.Conf.LedgerBackend)
	}
}

func (s *Service) logBackends() {
	s.Logger.Info("Storage backends selected", loggingpkg.LogFields{
		"registry_backend": s.Conf.RegistryBackend,
		"ledger_backend":   s.Conf.LedgerBackend,
	})
}
