package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisService is a Service backed by a shared Redis instance, so multiple
// orchestrator processes agree on which idempotency keys are reserved.
// Reservation is a single SETNX-with-TTL round trip; release is a DEL.
type RedisService struct {
	client *redis.Client
	prefix string
}

// NewRedisService wraps client. keyPrefix namespaces keys within a shared
// Redis instance (e.g. "planorch:dedup:").
func NewRedisService(client *redis.Client, keyPrefix string) *RedisService {
	if keyPrefix == "" {
		keyPrefix = "planorch:dedup:"
	}
	return &RedisService{client: client, prefix: keyPrefix}
}

func (s *RedisService) fullKey(key string) string {
	return s.prefix + key
}

// TryReserve implements Service via SET key val NX EX ttl.
func (s *RedisService) TryReserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		// Redis requires a positive expiry for SetNX with EX; treat a
		// non-expiring reservation as a long TTL rather than forever,
		// so an abandoned reservation cannot wedge a key permanently.
		ttl = 24 * time.Hour
	}
	ok, err := s.client.SetNX(ctx, s.fullKey(key), "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release implements Service.
func (s *RedisService) Release(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.fullKey(key)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// IsReserved implements Service.
func (s *RedisService) IsReserved(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.fullKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close implements Service.
func (s *RedisService) Close() error {
	return s.client.Close()
}
