package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewClient(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLocker(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	l := NewRedisLocker(client, time.Minute, zap.NewNop())

	unlock, ok, err := l.TryLock(ctx, "calendar:sync:a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "calendar:sync:a")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, "calendar:sync:b")
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")

	unlock()
	_, ok, err = l.TryLock(ctx, "calendar:sync:a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_UnlockKeepsForeignLock(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	l := NewRedisLocker(client, 200*time.Millisecond, zap.NewNop())

	unlock, ok, err := l.TryLock(ctx, "calendar:sync:c")
	require.NoError(t, err)
	require.True(t, ok)

	// the lease expires and someone else takes the key
	require.Eventually(t, func() bool {
		_, ok, err := l.TryLock(ctx, "calendar:sync:c")
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)

	unlock()
	exists, err := client.Exists(ctx, "calendar:sync:c").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}
