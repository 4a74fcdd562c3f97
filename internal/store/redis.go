package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"minifab/internal/job"
)

// keyPrefix namespaces job entries in a shared Redis instance.
const keyPrefix = "job:"

// Redis is the networked Store used when multiple service instances share
// job state.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedis creates a Redis store. The connection is verified lazily via
// Ping; construction never blocks.
func NewRedis(cfg RedisConfig) *Redis {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: ttl,
	}
}

func (r *Redis) Get(ctx context.Context, id string) (*job.Job, error) {
	data, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (r *Redis) Put(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	if err := r.client.Set(ctx, keyPrefix+j.ID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Merge reads, applies, and rewrites the snapshot. Read-merge-write, see
// the Store contract.
func (r *Redis) Merge(ctx context.Context, id string, u job.Update) (*job.Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Apply(u)
	if err := r.Put(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
