package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"leadsync/internal/config"
	"leadsync/internal/models"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeadLetter is one frozen event stored for operators.
type DeadLetter struct {
	Event    *models.QueuedEvent `json:"event"`
	Reason   string              `json:"reason"`
	FrozenAt time.Time           `json:"frozen_at"`
}

// RedisRepository keeps the engine pass lock and the dead-letter list in Redis.
type RedisRepository struct {
	client        *redis.Client
	deadLetterKey string
	maxDeadLetter int64
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client:        client,
		deadLetterKey: models.DeadLetterKey,
		maxDeadLetter: 10000,
	}
}

// Acquire takes key with SET NX PX. The returned release only deletes the
// key if this caller still owns it.
func (r *RedisRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if r.client == nil {
		return nil, false, errors.New("redis client is nil")
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// PushDeadLetter prepends the event to the dead-letter list and trims it.
func (r *RedisRepository) PushDeadLetter(ctx context.Context, event *models.QueuedEvent, reason string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(DeadLetter{Event: event, Reason: reason, FrozenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.deadLetterKey, data)
	pipe.LTrim(ctx, r.deadLetterKey, 0, r.maxDeadLetter-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns the newest entries first.
func (r *RedisRepository) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if limit <= 0 {
		limit = 100
	}
	vals, err := r.client.LRange(ctx, r.deadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(vals))
	for _, v := range vals {
		var d DeadLetter
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
