package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flightwatch/internal/credpool"
	"flightwatch/internal/flight"
	"flightwatch/internal/poller"
	"flightwatch/internal/storage"
	"flightwatch/internal/transport"
	logx "flightwatch/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Message) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeStore struct {
	subs     []storage.Subscription
	channels map[int64]storage.ChannelRef
	mentions map[int64]storage.ChangeMentions
	enabled  *bool
	interval int
}

func newFakeStore() *fakeStore {
	return &fakeStore{channels: map[int64]storage.ChannelRef{}, mentions: map[int64]storage.ChangeMentions{}}
}

func (s *fakeStore) AddSubscription(_ context.Context, sub storage.Subscription) (bool, error) {
	for _, x := range s.subs {
		if x.GuildID == sub.GuildID && x.UserID == sub.UserID && x.Kind == sub.Kind && x.Code == sub.Code {
			return false, nil
		}
	}
	sub.ID = int64(len(s.subs) + 1)
	s.subs = append(s.subs, sub)
	return true, nil
}

func (s *fakeStore) RemoveSubscription(_ context.Context, g, u int64, k flight.Kind, code string) (bool, error) {
	for i, x := range s.subs {
		if x.GuildID == g && x.UserID == u && x.Kind == k && x.Code == code {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) UserSubscriptions(_ context.Context, g, u int64) ([]storage.Subscription, error) {
	var out []storage.Subscription
	for _, x := range s.subs {
		if x.GuildID == g && x.UserID == u {
			out = append(out, x)
		}
	}
	return out, nil
}

func (s *fakeStore) GuildNotifyChannel(_ context.Context, g int64) (storage.ChannelRef, bool, error) {
	ch, ok := s.channels[g]
	return ch, ok, nil
}

func (s *fakeStore) SetGuildNotifyChannel(_ context.Context, g int64, ch storage.ChannelRef, _ int64) error {
	s.channels[g] = ch
	return nil
}

func (s *fakeStore) GuildChangeMentions(_ context.Context, g int64) (storage.ChangeMentions, bool, error) {
	if _, ok := s.channels[g]; !ok {
		return storage.ChangeMentions{}, false, nil
	}
	return s.mentions[g], true, nil
}

func (s *fakeStore) SetGuildChangeMentions(_ context.Context, g int64, m storage.ChangeMentions, _ int64) (bool, error) {
	if _, ok := s.channels[g]; !ok {
		return false, nil
	}
	s.mentions[g] = m
	return true, nil
}

func (s *fakeStore) SetPollingEnabled(_ context.Context, v bool) error {
	s.enabled = &v
	return nil
}

func (s *fakeStore) SetPollInterval(_ context.Context, secs int) error {
	s.interval = secs
	return nil
}

func (s *fakeStore) Counts(context.Context) (map[string]int, error) {
	return map[string]int{"subscriptions": len(s.subs)}, nil
}

type fixture struct {
	ad    *fakeAdapter
	store *fakeStore
	pool  *credpool.Pool
	state *poller.State
	r     *Router
}

const (
	ownerID = 1
	userID  = 2
	groupID = -100
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test fill in optional deps before registration.
func newFixtureWith(t *testing.T, extra func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		ad:    &fakeAdapter{},
		store: newFakeStore(),
		pool:  credpool.New([]string{"key-aaaa1111", "key-bbbb2222"}, credpool.Config{}),
		state: poller.NewState(true, time.Minute, nil),
	}
	f.r = NewRouter(f.ad, logx.Nop(), []int64{ownerID})
	d := Deps{Store: f.store, Pool: f.pool, Poll: f.state}
	if extra != nil {
		extra(&d)
	}
	RegisterAll(f.r, d)
	return f
}

func (f *fixture) send(t *testing.T, from int64, text string) error {
	t.Helper()
	return f.r.Dispatch(context.Background(), transport.Message{ChatID: groupID, ThreadID: 7, IsGroup: true, FromID: from, FromName: "Ann", Text: text})
}

func TestSubscribe_RequiresChannel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, userID, "/subscribe airport jfk"))
	assert.Contains(t, f.ad.last(), "/setchannel")
	assert.Empty(t, f.store.subs)
}

func TestSubscribeFlow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, ownerID, "/setchannel"))
	assert.Equal(t, storage.ChannelRef{ChatID: groupID, ThreadID: 7}, f.store.channels[groupID])

	require.NoError(t, f.send(t, userID, "/subscribe airport jfk"))
	assert.Contains(t, f.ad.last(), "Subscribed to airport <b>JFK</b>")
	require.Len(t, f.store.subs, 1)
	assert.Equal(t, "Ann", f.store.subs[0].UserName)

	require.NoError(t, f.send(t, userID, "/sub airport JFK"))
	assert.Contains(t, f.ad.last(), "already subscribed")

	require.NoError(t, f.send(t, userID, "/subscribe registration \"n 123ab\""))
	assert.Equal(t, "N123AB", f.store.subs[1].Code)

	require.NoError(t, f.send(t, userID, "/mysubs"))
	assert.Contains(t, f.ad.last(), "airport <code>JFK</code>")
	assert.Contains(t, f.ad.last(), "registration <code>N123AB</code>")

	require.NoError(t, f.send(t, userID, "/unsubscribe airport jfk"))
	assert.Contains(t, f.ad.last(), "Unsubscribed")
	require.NoError(t, f.send(t, userID, "/unsubscribe airport jfk"))
	assert.Contains(t, f.ad.last(), "No subscription")
}

func TestSubscribe_Validation(t *testing.T) {
	f := newFixture(t)
	err := f.send(t, userID, "/subscribe boat X1")
	var ue userError
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, f.ad.last(), "unknown kind")
	assert.NotContains(t, f.ad.last(), "Command failed")

	err = f.r.Dispatch(context.Background(), transport.Message{ChatID: 5, FromID: userID, Text: "/subscribe airport JFK"})
	assert.ErrorIs(t, err, errGroupOnly)
}

func TestOwnerOnly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, userID, "/polling off"))
	assert.Equal(t, "unauthorized", f.ad.last())
	assert.True(t, f.state.Enabled())
}

func TestPollingAndInterval(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, ownerID, "/polling off"))
	assert.Equal(t, "Polling stopped.", f.ad.last())
	assert.False(t, f.state.Enabled())
	require.NotNil(t, f.store.enabled)
	assert.False(t, *f.store.enabled)

	require.NoError(t, f.send(t, ownerID, "/polling status"))
	assert.Contains(t, f.ad.last(), "stopped")

	require.NoError(t, f.send(t, ownerID, "/interval 90"))
	assert.Equal(t, 90*time.Second, f.state.Interval())
	assert.Equal(t, 90, f.store.interval)

	require.Error(t, f.send(t, ownerID, "/interval 0"))
	assert.Equal(t, 90*time.Second, f.state.Interval())
}

func TestParkUnpark(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, ownerID, "/park 2"))
	assert.Contains(t, f.ad.last(), "Key 2 (***2222) parked until")
	assert.Equal(t, 1, f.pool.ActiveCount())

	require.NoError(t, f.send(t, ownerID, "/keys"))
	assert.Contains(t, f.ad.last(), "(1/2 active)")
	assert.Contains(t, f.ad.last(), "(manual)")

	require.NoError(t, f.send(t, ownerID, "/unpark 2"))
	assert.Contains(t, f.ad.last(), "unparked")
	assert.Equal(t, 2, f.pool.ActiveCount())

	require.Error(t, f.send(t, ownerID, "/park 3"))
	assert.Contains(t, f.ad.last(), "between 1 and 2")
}

func TestHelp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, userID, "/help"))
	out := f.ad.last()
	assert.Contains(t, out, "/subscribe")
	assert.NotContains(t, out, "/park")

	require.NoError(t, f.send(t, ownerID, "/help@flightwatch_bot"))
	assert.Contains(t, f.ad.last(), "/park")

	require.NoError(t, f.send(t, userID, "/help park"))
	assert.Contains(t, f.ad.last(), "owner only")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, userID, "/nope"))
	assert.Empty(t, f.ad.sent)

	require.NoError(t, f.r.Dispatch(context.Background(), transport.Message{ChatID: 9, FromID: userID, Text: "/nope"}))
	assert.Contains(t, f.ad.last(), "unknown command")
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.r.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }})
	err := f.send(t, userID, "/boom")
	require.Error(t, err)
	assert.Contains(t, f.ad.last(), "Command failed: panic: kaboom")
}

func TestMenuCommands(t *testing.T) {
	f := newFixture(t)
	menu := f.r.MenuCommands()
	require.NotEmpty(t, menu)
	names := make([]string, 0, len(menu))
	for _, c := range menu {
		names = append(names, c.Command)
	}
	assert.Contains(t, names, "subscribe")
	assert.IsIncreasing(t, names)
}

func TestTokenizeAndFlags(t *testing.T) {
	toks := tokenizeCommandLine(`/cmd a "b c" --k=v 'd\'e'`)
	assert.Equal(t, []string{"/cmd", "a", "b c", "--k=v", "d'e"}, toks)

	pos, flags, bools := parseFlags([]string{"x", "--limit", "5", "-v", "--cached", "-3"})
	assert.Equal(t, []string{"x", "-3"}, pos)
	assert.Equal(t, map[string]string{"limit": "5"}, flags)
	assert.Equal(t, map[string]bool{"v": true, "cached": true}, bools)
}

func TestRun_DispatchesAndStops(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan transport.Message, 1)
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx, in, 2) }()

	in <- transport.Message{ChatID: groupID, IsGroup: true, FromID: ownerID, Text: "/polling status"}
	require.Eventually(t, func() bool { return strings.Contains(f.ad.last(), "Polling is running") }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}
