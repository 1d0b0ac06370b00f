package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, WithKeyPrefix("test:"), WithOwnedClient())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_Increment(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	w, err := s.Increment(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count)
	assert.Equal(t, now, w.Start)
	assert.True(t, mr.Exists("test:k"))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(20 * time.Second)
	now = now.Add(20 * time.Second)

	w, err = s.Increment(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.Count)
	assert.Equal(t, now.Add(-20*time.Second), w.Start)

	mr.FastForward(41 * time.Second)

	w, err = s.Increment(ctx, "k", time.Minute, now.Add(41*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count, "expired window starts over")
}

func TestRedisStore_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Increment(ctx, "k", time.Minute, time.Now())
		}()
	}
	wg.Wait()

	w, err := s.Increment(ctx, "k", time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(51), w.Count)
}

func TestRedisStore_DeleteAndClose(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "k", time.Minute, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))
	assert.False(t, mr.Exists("test:k"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Increment(ctx, "k", time.Minute, time.Now())
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Delete(ctx, "k"), ErrStoreClosed)
}

func TestRedisStore_ServerDown(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	mr.Close()

	_, err := s.Increment(context.Background(), "k", time.Minute, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to increment window")
}
