package ratelimit

import (
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewMemoryStore backs rate limiting with an in-process store, for a single
// replica or development run mode.
func NewMemoryStore() limiter.Store {
	return memory.NewStore()
}

// NewRedisStore backs rate limiting with a shared Redis instance so buckets
// are consistent across replicas, namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) (limiter.Store, error) {
	if prefix == "" {
		prefix = "planorch:ratelimit"
	}
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
}
