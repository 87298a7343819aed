package credpool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flightwatch/internal/eventbus"
	"flightwatch/internal/ratelimit"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testPool(t *testing.T, n int, opts ...Option) (*Pool, *ratelimit.ManualClock) {
	t.Helper()
	clk := ratelimit.NewManualClock(t0)
	secrets := make([]string, n)
	for i := range secrets {
		secrets[i] = fmt.Sprintf("secret-key-%04d", i+1)
	}
	opts = append([]Option{WithClock(clk)}, opts...)
	p := New(secrets, Config{MaxRequestsPerMinute: 10, Padding: 250 * time.Millisecond}, opts...)
	require.Equal(t, n, p.Len())
	return p, clk
}

func TestConfig_PerCredentialInterval(t *testing.T) {
	cfg := Config{MaxRequestsPerMinute: 10, Window: time.Minute, Padding: 250 * time.Millisecond}
	assert.Equal(t, 6250*time.Millisecond, cfg.PerCredentialInterval())

	// zero rpm must not divide by zero
	assert.Equal(t, 6*time.Second, Config{}.PerCredentialInterval())
}

func TestMaskSuffix(t *testing.T) {
	assert.Equal(t, "cdef", MaskSuffix("abcdef"))
	assert.Equal(t, "abc", MaskSuffix(" abc "))
	assert.Equal(t, "????", MaskSuffix("   "))
}

func TestNew_SkipsBlankSecrets(t *testing.T) {
	p := New([]string{"aaaa1111", " ", ""}, Config{})
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, p.ActiveCount())
}

func TestSelect_RoundRobinUnderEqualLoad(t *testing.T) {
	p, _ := testPool(t, 3)

	counts := map[int]int{}
	const n = 10
	for i := 0; i < n; i++ {
		k, err := p.Select()
		require.NoError(t, err)
		counts[k.Index]++
	}
	for i := 0; i < 3; i++ {
		assert.GreaterOrEqual(t, counts[i], n/3)
		assert.LessOrEqual(t, counts[i], n/3+1)
	}
}

func TestSelect_PrefersSmallestWait(t *testing.T) {
	p, _ := testPool(t, 2)
	ctx := context.Background()

	require.NoError(t, p.Call(ctx, func(context.Context, Key) error { return nil }))
	k, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, 1, k.Index, "idle credential should win over the one just used")
}

func TestSelect_ParkExclusivity(t *testing.T) {
	p, clk := testPool(t, 3)
	require.NoError(t, p.Park(1, t0.Add(time.Minute), "manual"))
	assert.Equal(t, 2, p.ActiveCount())

	for i := 0; i < 12; i++ {
		k, err := p.Select()
		require.NoError(t, err)
		assert.NotEqual(t, 1, k.Index)
	}

	clk.Advance(time.Minute)
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		k, err := p.Select()
		require.NoError(t, err)
		seen[k.Index] = true
	}
	assert.True(t, seen[1], "expired park should be eligible again")
	assert.Equal(t, 3, p.ActiveCount())
}

func TestSelect_NoActiveCredentials(t *testing.T) {
	p, _ := testPool(t, 2)
	require.NoError(t, p.Park(0, t0.Add(2*time.Hour), "manual"))
	require.NoError(t, p.Park(1, t0.Add(time.Hour), "manual"))

	_, err := p.Select()
	ne, ok := AsNoActive(err)
	require.True(t, ok)
	assert.True(t, ne.HasRetry)
	assert.Equal(t, time.Hour, ne.RetryIn)

	in, ok := p.NextUnparkIn()
	assert.True(t, ok)
	assert.Equal(t, time.Hour, in)
}

func TestSelect_EmptyPool(t *testing.T) {
	p := New(nil, Config{})
	_, err := p.Select()
	ne, ok := AsNoActive(err)
	require.True(t, ok)
	assert.False(t, ne.HasRetry)
}

func TestPark_RecomputesPoolInterval(t *testing.T) {
	p, _ := testPool(t, 3)
	per := p.PerCredentialInterval()
	assert.Equal(t, per/3, p.PoolInterval())

	require.NoError(t, p.Park(0, t0.Add(time.Hour), "manual"))
	assert.Equal(t, per/2, p.PoolInterval())

	require.NoError(t, p.Park(1, t0.Add(time.Hour), "manual"))
	require.NoError(t, p.Park(2, t0.Add(time.Hour), "manual"))
	assert.Equal(t, per, p.PoolInterval(), "zero active divides by one")

	require.NoError(t, p.Unpark(0))
	require.NoError(t, p.Unpark(1))
	assert.Equal(t, per/2, p.PoolInterval())
}

func TestPark_OutOfRange(t *testing.T) {
	p, _ := testPool(t, 1)
	assert.Error(t, p.Park(3, t0, "manual"))
	assert.Error(t, p.Unpark(-1))
}

func TestPark_PublishesEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	p, clk := testPool(t, 2, WithBus(bus))

	require.NoError(t, p.Park(1, t0.Add(time.Minute), "manual"))
	ev := <-ch
	assert.Equal(t, eventbus.CredentialParked, ev.Type)
	assert.Equal(t, 1, ev.Data.(eventbus.CredentialEvent).Index)

	clk.Advance(2 * time.Minute)
	p.ActiveCount()
	ev = <-ch
	assert.Equal(t, eventbus.CredentialUnparked, ev.Type)
	assert.Equal(t, "expired", ev.Data.(eventbus.CredentialEvent).Reason)
}

func TestCall_PacingPerCredentialAndPool(t *testing.T) {
	p, clk := testPool(t, 2)
	ctx := context.Background()
	per := p.PerCredentialInterval()

	var all []time.Time
	byKey := map[int][]time.Time{}
	for i := 0; i < 8; i++ {
		err := p.Call(ctx, func(_ context.Context, k Key) error {
			now := clk.Now()
			all = append(all, now)
			byKey[k.Index] = append(byKey[k.Index], now)
			return nil
		})
		require.NoError(t, err)
	}
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i].Sub(all[i-1]), per/2)
	}
	for idx, ts := range byKey {
		for i := 1; i < len(ts); i++ {
			assert.GreaterOrEqual(t, ts[i].Sub(ts[i-1]), per, "key %d", idx)
		}
	}
	assert.Len(t, byKey[0], 4)
	assert.Len(t, byKey[1], 4)
}

func TestCall_RateLimitedCoolsDownWithoutPark(t *testing.T) {
	p, clk := testPool(t, 2)
	ctx := context.Background()

	err := p.Call(ctx, func(_ context.Context, k Key) error {
		return fmt.Errorf("%w: http 429", ErrRateLimited)
	})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 0, rl.Index)
	assert.Equal(t, 2, p.ActiveCount(), "throttling never parks")

	st := p.Statuses()
	assert.Equal(t, 60*time.Second, st[0].CooldownIn)

	// the cycle keeps going on the other credential
	var used []int
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Call(ctx, func(_ context.Context, k Key) error {
			used = append(used, k.Index)
			return nil
		}))
	}
	assert.Equal(t, []int{1, 1, 1}, used, "follow-ups avoid the throttled key")

	clk.Advance(60 * time.Second)
	st = p.Statuses()
	assert.Zero(t, st[0].CooldownIn)
	k, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, 0, k.Index, "cooled-down key is selectable again without intervention")
}

func TestCall_ClassifiesErrors(t *testing.T) {
	p, _ := testPool(t, 1)
	ctx := context.Background()

	err := p.Call(ctx, func(context.Context, Key) error { return errors.New("HTTP 400: Bad Request: airports") })
	assert.True(t, IsParamError(err))
	assert.False(t, IsRateLimited(err))

	err = p.Call(ctx, func(context.Context, Key) error { return errors.New("dial tcp: connection refused") })
	assert.False(t, IsParamError(err))
	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindTransport, re.Kind)
	assert.Zero(t, p.Statuses()[0].CooldownIn, "other failures apply no cooldown")
}

func TestCall_NoActive(t *testing.T) {
	p, _ := testPool(t, 1)
	require.NoError(t, p.Park(0, t0.Add(time.Hour), "manual"))
	called := false
	err := p.Call(context.Background(), func(context.Context, Key) error { called = true; return nil })
	_, ok := AsNoActive(err)
	assert.True(t, ok)
	assert.False(t, called)
}

func TestCycleCountersAndCredits(t *testing.T) {
	p, _ := testPool(t, 2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Call(ctx, func(context.Context, Key) error { return nil }))
	}
	st := p.Statuses()
	assert.Equal(t, 3, st[0].CycleRequests+st[1].CycleRequests)

	p.StartCycle()
	for _, s := range p.Statuses() {
		assert.Zero(t, s.CycleRequests)
		assert.NotZero(t, s.TotalRequests)
	}

	remaining := int64(900)
	prev, err := p.RecordCredits(1, Credits{Remaining: &remaining})
	require.NoError(t, err)
	assert.False(t, prev.Known())
	snap := p.CreditSnapshot()
	require.Contains(t, snap, "0002")
	assert.Equal(t, int64(900), *snap["0002"].Remaining)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindParam, Classify(errors.New("Validation failed for field airports"), nil))
	assert.Equal(t, KindParam, Classify(errors.New("pattern mismatch"), nil))
	assert.Equal(t, KindTransport, Classify(errors.New("timeout"), nil))
	assert.Equal(t, KindParam, Classify(errors.New("weird"), []string{"WEIRD"}))
}
