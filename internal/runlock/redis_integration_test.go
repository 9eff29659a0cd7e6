//go:build integration

package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisLock(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	locker, err := OpenRedis(ctx, url, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })

	lease, err := locker.Acquire(ctx, "sync")
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "sync")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, lease.Release(ctx))
	again, err := locker.Acquire(ctx, "sync")
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	_, err = locker.Acquire(ctx, "sync")
	assert.ErrorIs(t, err, ErrHeld, "stale lease must not release a successor")
	require.NoError(t, again.Release(ctx))
}
