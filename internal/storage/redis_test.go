package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), config.RedisConfig{
		URL:      "redis://" + mr.Addr(),
		PoolSize: 4,
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, 4, client.Options().PoolSize)
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedisClient(context.Background(), config.RedisConfig{URL: "://bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), config.RedisConfig{
		URL:         "redis://" + addr,
		DialTimeout: config.Duration(100 * time.Millisecond),
	}, WithConnectRetries(1, time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
