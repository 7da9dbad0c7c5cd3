// Package cache keeps terminal job records in Redis so status polling does
// not hit the object store. Only DONE and FAILED records are cached; a
// requeue must call Invalidate.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
)

const (
	keyPrefix  = "pipeline:job:"
	defaultTTL = 10 * time.Minute
)

// StatusCache caches job records by id.
type StatusCache interface {
	Get(ctx context.Context, jobID string) (*domain.Job, bool, error)
	Set(ctx context.Context, job *domain.Job) error
	Invalidate(ctx context.Context, jobID string) error
}

// Noop caches nothing.
type Noop struct{}

func (Noop) Get(context.Context, string) (*domain.Job, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, *domain.Job) error                { return nil }
func (Noop) Invalidate(context.Context, string) error              { return nil }

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Options holds Redis connection settings
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis is a StatusCache backed by Redis.
type Redis struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// NewRedis wraps a client. A zero ttl uses the default.
func NewRedis(client redisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func key(jobID string) string {
	return keyPrefix + jobID
}

// Get returns the cached record, reporting false on a miss.
func (r *Redis) Get(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	data, err := r.client.Get(ctx, key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached job %s: %w", jobID, err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached job %s: %w", jobID, err)
	}
	return &job, true, nil
}

// Set caches job when it is terminal and ignores it otherwise.
func (r *Redis) Set(ctx context.Context, job *domain.Job) error {
	if !job.IsTerminal() {
		return nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := r.client.Set(ctx, key(job.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache job %s: %w", job.ID, err)
	}
	return nil
}

// Invalidate drops the cached record.
func (r *Redis) Invalidate(ctx context.Context, jobID string) error {
	if err := r.client.Del(ctx, key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached job %s: %w", jobID, err)
	}
	return nil
}
