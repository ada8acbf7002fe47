package distributed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("DROPNET_TEST_REDIS")
	if addr == "" {
		t.Skip("DROPNET_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDistributedLock_MutualExclusion(t *testing.T) {
	client := redisClient(t)
	key := "dropnet:test:lock:" + t.Name()
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, key) })

	first := NewDistributedLock(client, key, time.Second)
	second := NewDistributedLock(client, key, time.Second)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = second.Lock(ctx, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	assert.ErrorIs(t, second.Unlock(ctx), ErrNotHeld)
	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx))
}

func TestDistributedLock_RenewsWhileHeld(t *testing.T) {
	client := redisClient(t)
	key := "dropnet:test:lock:" + t.Name()
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, key) })

	lock := NewDistributedLock(client, key, 200*time.Millisecond)
	require.NoError(t, lock.Lock(ctx, time.Second))

	time.Sleep(500 * time.Millisecond)
	held, err := lock.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, lock.Unlock(ctx))
	held, err = lock.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWithLock_PropagatesError(t *testing.T) {
	client := redisClient(t)
	key := "dropnet:test:lock:" + t.Name()
	errBoom := errors.New("boom")

	err := WithLock(context.Background(), client, key, time.Second, time.Second, func() error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	held, err := NewDistributedLock(client, key, time.Second).IsLocked(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWithLock_UnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	called := false
	err := WithLock(context.Background(), client, "dropnet:test:lock", time.Second, time.Second, func() error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}
