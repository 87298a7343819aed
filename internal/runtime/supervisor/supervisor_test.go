package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_RecordsFirstErrorAndPanics(t *testing.T) {
	s := New(context.Background())
	s.Go("bad", func(context.Context) error { return errors.New("nope") })
	s.Go("panicky", func(context.Context) error { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "bad", snap.Tasks[0].Name)
	assert.Equal(t, "nope", snap.Tasks[0].LastErr)
	assert.Equal(t, 1, snap.Tasks[1].Panics)
	assert.False(t, snap.Tasks[1].Running)
}

func TestGo_CancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failer", func(context.Context) error { return errors.New("fatal") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failer: fatal")
}

func TestGoRestart_RestartsUntilCanceled(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("flaky")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithBackoff(time.Millisecond, 5*time.Millisecond), WithPublishErrors(true))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err, "published restart cause")

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, 2, snap.Tasks[0].Restarts)
	assert.Equal(t, 3, snap.Tasks[0].Starts)
}

func TestGoRestart_StopsOnCleanExit(t *testing.T) {
	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("once", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(1), runs.Load())
}
