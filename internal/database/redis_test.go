package database

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/irfndi/optiroute/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)

	port, err := strconv.Atoi(server.Port())
	require.NoError(t, err)

	client, err := NewRedisConnection(context.Background(), config.RedisConfig{Host: server.Host(), Port: port}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, server
}

func TestNewRedisConnection_Unreachable(t *testing.T) {
	server := miniredis.RunT(t)
	port, _ := strconv.Atoi(server.Port())
	server.Close()

	_, err := NewRedisConnection(context.Background(), config.RedisConfig{Host: "127.0.0.1", Port: port}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRedisClient_HealthCheck(t *testing.T) {
	client, server := newTestRedisClient(t)
	assert.NoError(t, client.HealthCheck(context.Background()))

	server.SetError("LOADING")
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestRedisClient_AcquireReleaseLock(t *testing.T) {
	client, _ := newTestRedisClient(t)
	ctx := context.Background()

	token1, acquired, err := client.AcquireLock(ctx, "optiroute:migrate", 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token1)

	token2, acquired, err := client.AcquireLock(ctx, "optiroute:migrate", 5*time.Second)
	require.NoError(t, err)
	require.False(t, acquired)
	require.Empty(t, token2)

	released, err := client.ReleaseLock(ctx, "optiroute:migrate", "wrong-token")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = client.ReleaseLock(ctx, "optiroute:migrate", token1)
	require.NoError(t, err)
	assert.True(t, released)

	_, acquired, err = client.AcquireLock(ctx, "optiroute:migrate", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRedisClient_ValidationErrors(t *testing.T) {
	client, _ := newTestRedisClient(t)
	ctx := context.Background()

	_, _, err := client.AcquireLock(ctx, "", time.Second)
	assert.Error(t, err)

	_, _, err = client.AcquireLock(ctx, "lock:key", 0)
	assert.Error(t, err)

	_, err = client.ReleaseLock(ctx, "", "token")
	assert.Error(t, err)

	_, err = client.ReleaseLock(ctx, "lock:key", "")
	assert.Error(t, err)

	var empty RedisClient
	assert.Error(t, empty.HealthCheck(ctx))
}
