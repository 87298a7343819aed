package storage

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"flightwatch/internal/flight"
	logx "flightwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "fw.db")}, logx.New(io.Discard, "debug"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpen_DriverSelection(t *testing.T) {
	_, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err, "empty path")
}

func TestMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.db")
	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	var v int
	require.NoError(t, st.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v))
	assert.Equal(t, migrations[len(migrations)-1].version, v)

	counts, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.Len(t, counts, len(CountedTables()))
}

func TestSubscriptions_AddRemoveList(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	added, err := st.AddSubscription(ctx, Subscription{GuildID: 1, UserID: 10, UserName: "ana", Kind: flight.KindAirport, Code: "WAW"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = st.AddSubscription(ctx, Subscription{GuildID: 1, UserID: 10, Kind: flight.KindAirport, Code: "WAW"})
	require.NoError(t, err)
	assert.False(t, added, "duplicate")

	_, err = st.AddSubscription(ctx, Subscription{GuildID: 1, UserID: 10, Kind: "bogus", Code: "X"})
	assert.Error(t, err)

	_, err = st.AddSubscription(ctx, Subscription{GuildID: 2, UserID: 20, Kind: flight.KindRegistration, Code: "SP-LRA"})
	require.NoError(t, err)

	all, err := st.ActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ana", all[0].UserName)
	assert.Equal(t, flight.KindAirport, all[0].Kind)
	assert.False(t, all[0].CreatedAt.IsZero())

	mine, err := st.UserSubscriptions(ctx, 2, 20)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "SP-LRA", mine[0].Code)

	removed, err := st.RemoveSubscription(ctx, 1, 10, flight.KindAirport, "WAW")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.RemoveSubscription(ctx, 1, 10, flight.KindAirport, "WAW")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := st.RemoveSubscriptionsByID(ctx, []int64{mine[0].ID, 9999})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNotificationLedger(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for _, u := range []int64{1, 2} {
		_, err := st.AddSubscription(ctx, Subscription{GuildID: 7, UserID: u, Kind: flight.KindAircraft, Code: "B738"})
		require.NoError(t, err)
	}
	subs, err := st.GuildSubscriptions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	ids := []int64{subs[0].ID, subs[1].ID}

	logged, err := st.LoggedSubscriptionIDs(ctx, "abc", ids)
	require.NoError(t, err)
	assert.Empty(t, logged)

	require.NoError(t, st.LogNotifications(ctx, ids[:1], "abc"))
	// second insert of the same pair is ignored
	require.NoError(t, st.LogNotifications(ctx, ids, "abc"))

	logged, err = st.LoggedSubscriptionIDs(ctx, "abc", ids)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{ids[0]: true, ids[1]: true}, logged)

	recent, err := st.RecentNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	assert.Equal(t, "B738", recent[0].Code)

	n, err := st.CleanupNotifications(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// removing a subscription cascades to its ledger rows
	require.NoError(t, st.LogNotifications(ctx, ids[:1], "def"))
	_, err = st.RemoveSubscriptionsByID(ctx, ids[:1])
	require.NoError(t, err)
	logged, err = st.LoggedSubscriptionIDs(ctx, "def", ids)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestGuildChannels(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_, ok, err := st.GuildNotifyChannel(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.SetGuildNotifyChannel(ctx, 5, ChannelRef{ChatID: -100, ThreadID: 3}, 42))
	require.NoError(t, st.SetGuildNotifyChannel(ctx, 5, ChannelRef{ChatID: -200}, 43))

	ch, ok, err := st.GuildNotifyChannel(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ChannelRef{ChatID: -200}, ch)

	all, err := st.GuildChannels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(43), all[0].UpdatedBy)
}

func TestGuildChangeMentions(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	ok, err := st.SetGuildChangeMentions(ctx, 5, ChangeMentions{Models: "@ann"}, 42)
	require.NoError(t, err)
	assert.False(t, ok, "no notify channel yet")

	require.NoError(t, st.SetGuildNotifyChannel(ctx, 5, ChannelRef{ChatID: -100}, 42))
	ok, err = st.SetGuildChangeMentions(ctx, 5, ChangeMentions{Models: "@ann @bob", Airports: "@cid"}, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	// moving the channel keeps the mentions
	require.NoError(t, st.SetGuildNotifyChannel(ctx, 5, ChannelRef{ChatID: -200}, 43))
	m, ok, err := st.GuildChangeMentions(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ChangeMentions{Models: "@ann @bob", Airports: "@cid"}, m)

	all, err := st.GuildChannels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, m, all[0].Mentions)

	_, ok, err = st.GuildChangeMentions(ctx, 6)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreditsAndParks(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	consumed, remaining := int64(5), int64(995)
	require.NoError(t, st.SaveCredits(ctx, CreditRecord{Suffix: "abcd", Consumed: &consumed, Remaining: &remaining}))
	more := int64(9)
	require.NoError(t, st.SaveCredits(ctx, CreditRecord{Suffix: "abcd", Consumed: &more}))

	recs, err := st.CreditRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Consumed)
	require.NotNil(t, recs[0].Remaining)
	assert.Equal(t, int64(9), *recs[0].Consumed)
	assert.Equal(t, int64(995), *recs[0].Remaining, "nil keeps previous value")

	now := time.Now().UTC()
	require.NoError(t, st.SavePark(ctx, KeyPark{Suffix: "abcd", ParkedUntil: now.Add(time.Hour), Reason: "manual"}))
	require.NoError(t, st.SavePark(ctx, KeyPark{Suffix: "ffff", ParkedUntil: now.Add(-time.Minute)}))

	parks, err := st.Parks(ctx, now)
	require.NoError(t, err)
	require.Len(t, parks, 1)
	assert.Equal(t, "abcd", parks[0].Suffix)
	assert.Equal(t, "manual", parks[0].Reason)

	require.NoError(t, st.ClearPark(ctx, "abcd"))
	parks, err = st.Parks(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, parks)
}

func TestPollerSettingsAndUsage(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	ps, err := st.PollerSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, ps.Enabled)
	assert.Nil(t, ps.IntervalSeconds)

	require.NoError(t, st.SetPollingEnabled(ctx, false))
	require.NoError(t, st.SetPollInterval(ctx, 90))
	ps, err = st.PollerSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, ps.Enabled)
	assert.False(t, *ps.Enabled)
	require.NotNil(t, ps.IntervalSeconds)
	assert.Equal(t, 90, *ps.IntervalSeconds)

	_, err = st.Usage(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, st.SaveUsage(ctx, map[string]any{"credits": 12.0}))
	u, err := st.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.0, u.Payload["credits"])
}

func TestReferenceTables(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	lat, lon := 52.1657, 20.9671
	require.NoError(t, st.ReplaceAirports(ctx, []AirportRow{
		{ICAO: "EPWA", IATA: "WAW", Name: "Warsaw Chopin", City: "Warsaw", Lat: &lat, Lon: &lon},
		{ICAO: "ZZZZ", Name: "No IATA"},
	}, "2026-01-01"))
	require.NoError(t, st.ReplaceModels(ctx, []ModelRow{{ICAO: "B738", Manufacturer: "Boeing", Name: "737-800"}}, ""))

	airports, err := st.Airports(ctx)
	require.NoError(t, err)
	require.Len(t, airports, 2)
	assert.Equal(t, "WAW", airports[0].IATA)
	require.NotNil(t, airports[0].Lat)
	assert.InDelta(t, lat, *airports[0].Lat, 1e-9)
	assert.Empty(t, airports[1].IATA)
	assert.Nil(t, airports[1].Lat)

	models, err := st.Models(ctx)
	require.NoError(t, err)
	assert.Equal(t, "737-800", models[0].Name)

	meta, err := st.ReferenceMeta(ctx, "airports")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.RowCount)
	assert.Equal(t, "2026-01-01", meta.UpdatedAt)

	_, err = st.ReferenceMeta(ctx, "countries")
	assert.ErrorIs(t, err, ErrNotFound)

	// replace swaps the full table
	require.NoError(t, st.ReplaceAirports(ctx, nil, ""))
	airports, err = st.Airports(ctx)
	require.NoError(t, err)
	assert.Empty(t, airports)
}
