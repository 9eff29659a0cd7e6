package runlock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	lease, err := m.Acquire(ctx, "sync")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "sync")
	assert.True(t, errors.Is(err, ErrHeld))

	other, err := m.Acquire(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, err := m.Acquire(ctx, "sync")
	require.NoError(t, err)

	// a stale lease must not free its successor
	require.NoError(t, lease.Release(ctx))
	_, err = m.Acquire(ctx, "sync")
	assert.ErrorIs(t, err, ErrHeld)
	require.NoError(t, again.Release(ctx))
}

func TestOpenRedisRejectsBadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "://nope", 0)
	require.ErrorContains(t, err, "parse redis url")
}
