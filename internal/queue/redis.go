// Package queue shares a target list between probes through Redis.
// Targets are leased with BRPOPLPUSH into a processing list and removed
// only on ack, so a probe that dies mid-scan leaves its target visible
// for recovery.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	leaseTTL time.Duration
}

type item struct {
	Target  string `json:"target"`
	TS      int64  `json:"ts"`
	Attempt int    `json:"attempt"`
}

func NewRedis(addr, key string, lease time.Duration) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", leaseTTL: lease}, nil
}

// Lease pops one target, parking it in the processing list until ack.
// An empty target with a nil error means the queue stayed empty for the
// poll interval.
func (q *RedisQueue) Lease(ctx context.Context) (string, func() error, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, 5*time.Second).Result()
	if err == redis.Nil {
		return "", func() error { return nil }, nil
	}
	if err != nil {
		return "", func() error { return err }, err
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil {
		return "", func() error { return err }, err
	}
	ack := func() error {
		return q.cli.LRem(ctx, q.procKey, 1, res).Err()
	}
	return it.Target, ack, nil
}

// Seed pushes a target address into the queue.
func (q *RedisQueue) Seed(ctx context.Context, target string) error {
	b, _ := json.Marshal(item{Target: target, TS: time.Now().UTC().Unix(), Attempt: 0})
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}

// RecoverStale moves processing entries older than the lease back onto
// the queue with a bumped attempt counter. Recovery can race a probe
// that is still working the entry; the duplicate scan is harmless
// because graph writes are idempotent upserts.
func (q *RedisQueue) RecoverStale(ctx context.Context) (int, error) {
	raws, err := q.cli.LRange(ctx, q.procKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-q.leaseTTL).Unix()
	moved := 0
	for _, raw := range raws {
		var it item
		if err := json.Unmarshal([]byte(raw), &it); err != nil || it.TS > cutoff {
			continue
		}
		// LRem returning 0 means another prober reclaimed it first.
		if n, err := q.cli.LRem(ctx, q.procKey, 1, raw).Result(); err != nil || n == 0 {
			continue
		}
		it.TS = time.Now().UTC().Unix()
		it.Attempt++
		b, _ := json.Marshal(it)
		if err := q.cli.LPush(ctx, q.queueKey, string(b)).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Len reports how many targets are waiting, for progress reporting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.LLen(ctx, q.queueKey).Result()
}
