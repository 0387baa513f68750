package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/config"
	"leadsync/internal/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	t.Cleanup(func() { Close(client) })
	return s, client
}

func TestRedisRepository_Lock(t *testing.T) {
	s, client := newRedis(t)
	repo := NewRedisRepository(client)
	ctx := context.Background()

	release, ok, err := repo.Acquire(ctx, models.PassLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = repo.Acquire(ctx, models.PassLockKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	assert.False(t, s.Exists(models.PassLockKey))

	t.Run("ExpiredLockIsNotStolenOnRelease", func(t *testing.T) {
		release, ok, err := repo.Acquire(ctx, "lock:a", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		s.FastForward(2 * time.Second)
		_, ok, err = repo.Acquire(ctx, "lock:a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, release(ctx))
		assert.True(t, s.Exists("lock:a"), "stale release must keep the new owner's lock")
	})
}

func TestRedisRepository_DeadLetters(t *testing.T) {
	_, client := newRedis(t)
	repo := NewRedisRepository(client)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, repo.PushDeadLetter(ctx, &models.QueuedEvent{ID: i, WorkspaceID: "ws"}, "boom"))
	}

	entries, err := repo.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Event.ID)
	assert.Equal(t, "boom", entries[0].Reason)
	assert.False(t, entries[0].FrozenAt.IsZero())

	n, err := client.LLen(ctx, models.DeadLetterKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRedisRepository_Ping(t *testing.T) {
	s, client := newRedis(t)
	require.NoError(t, Ping(context.Background(), client))
	s.Close()
	assert.Error(t, Ping(context.Background(), client))
}

func TestRedisRepository_NilClient(t *testing.T) {
	repo := NewRedisRepository(nil)
	_, _, err := repo.Acquire(context.Background(), "k", time.Second)
	assert.Error(t, err)
	assert.Error(t, repo.PushDeadLetter(context.Background(), &models.QueuedEvent{}, "x"))
	_, err = repo.DeadLetters(context.Background(), 1)
	assert.Error(t, err)
}
