package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test")
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		_, store := newTestRedis(t)
		return store
	})
}

func TestRedisStoreKeys(t *testing.T) {
	mr, store := newTestRedis(t)
	rec := newRecord("posts", 0)
	require.NoError(t, store.Insert(context.Background(), rec))

	assert.True(t, mr.Exists("test:posts:rec:"+rec.ID))
	members, err := mr.ZMembers("test:posts:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, members)
}

func TestRedisStoreRepairsIndex(t *testing.T) {
	mr, store := newTestRedis(t)
	ctx := context.Background()
	rec := newRecord("posts", 0)
	require.NoError(t, store.Insert(ctx, rec))

	// Simulate a crash between SETNX and ZADD.
	mr.Del("test:posts:idx")
	inserted, err := store.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := store.Count(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := Open(context.Background(), BackendRedis, mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = OpenRedis(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}
