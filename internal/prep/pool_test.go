package prep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPoolRunsAllJobs(t *testing.T) {
	var done [20]atomic.Bool
	err := RunPool(context.Background(), 4, len(done), func(_ context.Context, i int) error {
		done[i].Store(true)
		return nil
	})
	require.NoError(t, err)
	for i := range done {
		assert.True(t, done[i].Load(), "job %d did not run", i)
	}
}

func TestRunPoolBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	err := RunPool(context.Background(), 3, 12, func(_ context.Context, _ int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunPoolFirstErrorCancels(t *testing.T) {
	boom := errors.New("boom")
	var started atomic.Int32
	err := RunPool(context.Background(), 1, 10, func(_ context.Context, i int) error {
		started.Add(1)
		if i == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), started.Load(), "jobs after the failure must be skipped")
}

func TestRunPoolParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunPool(ctx, 2, 5, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunPoolNoJobs(t *testing.T) {
	assert.NoError(t, RunPool(context.Background(), 0, 0, func(context.Context, int) error {
		t.Fatal("no job expected")
		return nil
	}))
}
