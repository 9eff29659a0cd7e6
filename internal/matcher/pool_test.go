package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPoolMatchAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := compile(t, smallTable)
	var jobs []Job
	for i := range 5 {
		key := fmt.Sprintf("doc-%d", i)
		if i == 3 {
			jobs = append(jobs, Job{Key: key, Load: func() (Document, error) { return Document{}, errors.New("unreadable") }})
			continue
		}
		text := fmt.Sprintf("cert BSI-DSZ-CC-000%d-2003 here\n", i)
		jobs = append(jobs, Job{Key: key, Load: func() (Document, error) { return NewDocument(key, text), nil }})
	}

	var mu sync.Mutex
	var progress []int
	pool, err := NewPool(m, WithWorkers(2), WithBatchSize(2), WithBatchObserver(func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 5, total)
		progress = append(progress, done)
	}))
	require.NoError(t, err)

	out, err := pool.MatchAll(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, out, 5)
	assert.Equal(t, []int{2, 4, 5}, progress)

	assert.Error(t, out["doc-3"].Err)
	assert.Equal(t, 1, out["doc-0"].Result.Table.Counts("cert_id")["BSI-DSZ-CC-0000-2003"])
	assert.Equal(t, 1, out["doc-4"].Result.Table.Counts("cert_id")["BSI-DSZ-CC-0004-2003"])
}

func TestPoolStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := compile(t, smallTable)
	pool, err := NewPool(m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.MatchAll(ctx, []Job{{Key: "a", Load: func() (Document, error) { return NewDocument("a", "x"), nil }}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewPoolRequiresMatcher(t *testing.T) {
	_, err := NewPool(nil)
	require.Error(t, err)
}
