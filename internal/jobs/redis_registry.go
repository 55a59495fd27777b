package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const createdIndexKey = "jobs:created"

func jobKey(id string) string { return "job:" + id }

// RedisRegistry keeps records in Redis. Each record expires after ttl; a
// sorted set scored by creation time indexes ids for the sweeper and
// outlives the records themselves until the sweeper removes them.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry connects to url and verifies the connection.
func NewRedisRegistry(ctx context.Context, url string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisRegistry{client: client, ttl: ttl}, nil
}

func (r *RedisRegistry) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(rec.ID), data, r.ttl)
	pipe.ZAdd(ctx, createdIndexKey, redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (Record, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load job: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode job: %w", err)
	}
	return rec, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, createdIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (r *RedisRegistry) CreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, createdIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return ids, nil
}

func (r *RedisRegistry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
