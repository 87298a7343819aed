package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSpacer_FirstAcquireIsImmediate(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(time.Second, clk)

	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, t0, clk.Now())
}

func TestSpacer_PermitsAreSpaced(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(1500*time.Millisecond, clk)

	var grants []time.Time
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Acquire(context.Background()))
		grants = append(grants, clk.Now())
	}
	for i := 1; i < len(grants); i++ {
		assert.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), 1500*time.Millisecond)
	}
}

func TestSpacer_IdleTimeIsNotBanked(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(time.Second, clk)

	require.NoError(t, s.Acquire(context.Background()))
	clk.Advance(10 * time.Second)
	require.NoError(t, s.Acquire(context.Background()))
	before := clk.Now()
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, time.Second, clk.Now().Sub(before))
}

func TestSpacer_ExtendCooldown(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(time.Second, clk)
	require.NoError(t, s.Acquire(context.Background()))

	s.ExtendCooldown(60 * time.Second)
	snap := s.Snapshot()
	assert.Equal(t, 60*time.Second, snap.CooldownIn)
	assert.Equal(t, 60*time.Second, snap.NextIn)
	assert.Equal(t, 60*time.Second, snap.Wait())

	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, t0.Add(60*time.Second), clk.Now())

	// next permit still respects the interval after the cooldown grant
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, t0.Add(61*time.Second), clk.Now())
}

func TestSpacer_ExtendCooldownNeverShortens(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(time.Second, clk)

	s.ExtendCooldown(time.Minute)
	s.ExtendCooldown(time.Second)
	assert.Equal(t, time.Minute, s.Snapshot().CooldownIn)
}

func TestSpacer_SnapshotDoesNotConsume(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(time.Second, clk)

	for i := 0; i < 3; i++ {
		snap := s.Snapshot()
		assert.Zero(t, snap.Wait())
	}
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, t0, clk.Now())
	assert.Equal(t, time.Second, s.Snapshot().NextIn)
}

func TestSpacer_SetInterval(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(4*time.Second, clk)
	require.NoError(t, s.Acquire(context.Background()))

	s.SetInterval(time.Second)
	assert.Equal(t, time.Second, s.Snapshot().NextIn)

	s.SetInterval(8 * time.Second)
	assert.Equal(t, 8*time.Second, s.Snapshot().NextIn)
	assert.Equal(t, 8*time.Second, s.Interval())
}

func TestSpacer_CancelledContext(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(time.Second, clk)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Acquire(ctx), context.Canceled)
}

func TestSystemClock_SleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := SystemClock{}.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSpacer_ZeroIntervalNeverWaits(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(0, clk)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Acquire(context.Background()))
	}
	assert.Equal(t, t0, clk.Now())
	assert.Zero(t, s.Snapshot().Wait())

	s.SetInterval(2 * time.Second)
	require.NoError(t, s.Acquire(context.Background()))
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, t0.Add(2*time.Second), clk.Now())
}

func TestSpacer_CooldownDoesNotBankPermits(t *testing.T) {
	clk := NewManualClock(t0)
	s := NewSpacer(time.Second, clk)
	s.ExtendCooldown(30 * time.Second)

	require.NoError(t, s.Acquire(context.Background()))
	first := clk.Now()
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, t0.Add(30*time.Second), first)
	assert.Equal(t, time.Second, clk.Now().Sub(first))
}
