package dedup

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares the visited set across probes running the same scan.
type Redis struct {
	cli        *redis.Client
	ttl        time.Duration
	errorCount atomic.Int64
}

func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{cli: cli, ttl: ttl}, nil
}

// Ping verifies the Redis backend is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *Redis) Seen(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.cli.SetNX(ctx, "visited:"+key, 1, r.ttl).Result()
	if err != nil {
		n := r.errorCount.Add(1)
		if n%100 == 1 { // Log every 100th error to avoid spam
			log.Printf("redis visited-set error (count: %d): %v", n, err)
		}
		return false // be permissive on failure
	}
	return !ok
}
