package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flightwatch/internal/notifier"
	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	_, every, err := ParseSchedule("0 8 * * *")
	require.NoError(t, err)
	assert.Zero(t, every)

	_, every, err = ParseSchedule("@every 30m")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, every)

	_, every, err = ParseSchedule("02:30")
	require.NoError(t, err)
	assert.Equal(t, 150*time.Minute, every)

	_, every, err = ParseSchedule("45s")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, every)

	for _, bad := range []string{"", "soon", "0:00", "1:75", "-5m", "61 * * * *"} {
		_, _, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestCronHonorsTimezone(t *testing.T) {
	s, err := New(DefaultTimezone, logx.Nop())
	require.NoError(t, err)
	sched, _, err := ParseSchedule(DefaultUsageReport)
	require.NoError(t, err)
	from := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	next := sched.Next(from.In(s.Location()))
	assert.Equal(t, time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), next.UTC())
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := withSpread(time.Minute, now, "x")
	first := s.Next(now)
	assert.True(t, !first.Before(now.Add(time.Minute)) && first.Before(now.Add(time.Minute+maxStartupSpread)))
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), s.Next(first).Truncate(time.Second))
}

func TestNew_BadTimezone(t *testing.T) {
	_, err := New("Mars/Olympus", logx.Nop())
	assert.Error(t, err)
}

func TestScheduler_AddRunNowSnapshot(t *testing.T) {
	s, err := New("UTC", logx.Nop())
	require.NoError(t, err)
	var calls atomic.Int32
	require.NoError(t, s.Add("a", "@hourly", time.Second, func(ctx context.Context) error {
		calls.Add(1)
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	}))
	require.NoError(t, s.Add("b", "10m", 0, func(context.Context) error { return errors.New("nope") }))
	require.NoError(t, s.Add("c", Off, 0, func(context.Context) error { return nil }))
	require.Error(t, s.Add("d", "whenever", 0, func(context.Context) error { return nil }))

	require.NoError(t, s.RunNow(context.Background(), "a"))
	require.Error(t, s.RunNow(context.Background(), "b"))
	assert.ErrorIs(t, s.RunNow(context.Background(), "c"), ErrUnknownJob)
	assert.EqualValues(t, 1, calls.Load())

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.EqualValues(t, 1, snap[0].Runs)
	assert.False(t, snap[0].Interval)
	assert.Equal(t, "nope", snap[1].LastErr)
	assert.True(t, snap[1].Interval)
}

func TestScheduler_RecoversPanic(t *testing.T) {
	s, err := New("", logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Add("p", "@daily", 0, func(context.Context) error { panic("boom") }))
	err = s.RunNow(context.Background(), "p")
	assert.ErrorContains(t, err, "panic: boom")
}

func TestScheduler_SkipsOverlap(t *testing.T) {
	s, err := New("", logx.Nop())
	require.NoError(t, err)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, s.Add("slow", "@daily", 0, func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}))
	s.mu.Lock()
	j := s.jobs["slow"]
	s.mu.Unlock()

	s.trigger(j)
	<-started
	s.trigger(j)
	close(release)
	s.Stop(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.EqualValues(t, 1, snap[0].Runs)
	assert.EqualValues(t, 1, snap[0].Skipped)
}

type ledgerFunc func(ctx context.Context, cutoff time.Time) (int, error)

func (f ledgerFunc) CleanupNotifications(ctx context.Context, cutoff time.Time) (int, error) {
	return f(ctx, cutoff)
}

func TestCleanup(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	var got time.Time
	fn := Cleanup(ledgerFunc(func(_ context.Context, cutoff time.Time) (int, error) {
		got = cutoff
		return 3, nil
	}), 48*time.Hour, func() time.Time { return now }, logx.Nop())
	require.NoError(t, fn(context.Background()))
	assert.Equal(t, now.Add(-48*time.Hour), got)
}

type usageFunc func(ctx context.Context) (storage.UsageCache, error)

func (f usageFunc) Refresh(ctx context.Context) (storage.UsageCache, error) { return f(ctx) }

type channelsFunc func(ctx context.Context) ([]storage.GuildChannel, error)

func (f channelsFunc) GuildChannels(ctx context.Context) ([]storage.GuildChannel, error) { return f(ctx) }

type recordBroadcaster struct {
	text string
	n    int
	fail bool
}

func (r *recordBroadcaster) Broadcast(_ context.Context, ch []storage.GuildChannel, text string) notifier.BroadcastResult {
	r.text, r.n = text, len(ch)
	if r.fail {
		return notifier.BroadcastResult{Failed: len(ch)}
	}
	return notifier.BroadcastResult{Sent: len(ch)}
}

func TestUsageReport(t *testing.T) {
	u := usageFunc(func(context.Context) (storage.UsageCache, error) {
		return storage.UsageCache{Payload: map[string]any{"remaining": 10.0}}, nil
	})
	chans := channelsFunc(func(context.Context) ([]storage.GuildChannel, error) {
		return []storage.GuildChannel{{GuildID: 1, Channel: storage.ChannelRef{ChatID: 1}}, {GuildID: 2, Channel: storage.ChannelRef{ChatID: 2}}}, nil
	})
	b := &recordBroadcaster{}
	require.NoError(t, UsageReport(u, chans, b, logx.Nop())(context.Background()))
	assert.Equal(t, 2, b.n)
	assert.Contains(t, b.text, "Remaining: 10")

	b.fail = true
	assert.Error(t, UsageReport(u, chans, b, logx.Nop())(context.Background()))

	empty := channelsFunc(func(context.Context) ([]storage.GuildChannel, error) { return nil, nil })
	b = &recordBroadcaster{}
	require.NoError(t, UsageReport(u, empty, b, logx.Nop())(context.Background()))
	assert.Zero(t, b.n)
}

type refFunc func(ctx context.Context, dataset string) ([]reference.Result, error)

func (f refFunc) Refresh(ctx context.Context, dataset string) ([]reference.Result, error) {
	return f(ctx, dataset)
}

func TestReferenceRefresh(t *testing.T) {
	var (
		reported string
		seen     []reference.Result
	)
	report := func(_ context.Context, text string, results []reference.Result) {
		reported = text
		seen = results
	}

	unchanged := refFunc(func(_ context.Context, ds string) ([]reference.Result, error) {
		assert.Equal(t, reference.DatasetAll, ds)
		return []reference.Result{{Dataset: reference.DatasetAirports, Rows: 5}}, nil
	})
	require.NoError(t, ReferenceRefresh(unchanged, report, logx.Nop())(context.Background()))
	assert.Empty(t, reported)

	changed := refFunc(func(context.Context, string) ([]reference.Result, error) {
		return []reference.Result{{
			Dataset: reference.DatasetModels,
			Diff:    reference.Diff{Added: []reference.Change{{ICAO: "A20N", Name: "Airbus A320neo"}}},
		}}, errors.New("airports failed")
	})
	err := ReferenceRefresh(changed, report, logx.Nop())(context.Background())
	assert.ErrorContains(t, err, "airports failed")
	assert.Contains(t, reported, "Models")
	assert.True(t, reference.Changed(seen, reference.DatasetModels))
}
