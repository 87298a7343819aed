package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
)

type fakeReference struct{ cache *reference.Cache }

func (f fakeReference) Refresh(context.Context, string) ([]reference.Result, error) { return nil, nil }
func (f fakeReference) Cache() *reference.Cache                                    { return f.cache }

func withReference(t *testing.T) *fixture {
	t.Helper()
	lat, lon := 40.6413, -73.7781
	cache := reference.NewCache()
	cache.SetAirports([]storage.AirportRow{
		{ICAO: "KJFK", IATA: "JFK", Name: "John F. Kennedy", City: "New York", PlaceCode: "US-NY", Lat: &lat, Lon: &lon},
	})
	cache.SetModels([]storage.ModelRow{{ICAO: "A20N", Manufacturer: "Airbus", Name: "A320neo"}})
	return newFixtureWith(t, func(d *Deps) { d.Reference = fakeReference{cache: cache} })
}

func TestInfo_Airport(t *testing.T) {
	f := withReference(t)
	require.NoError(t, f.send(t, userID, "/info airport jfk"))
	out := f.ad.last()
	assert.Contains(t, out, "<b>KJFK - John F. Kennedy, New York, US-NY</b>")
	assert.Contains(t, out, "IATA: <code>JFK</code>")
	assert.Contains(t, out, "Position: 40.6413, -73.7781")

	require.NoError(t, f.send(t, userID, "/info airport EGLL"))
	assert.Contains(t, f.ad.last(), "No airport record found for <b>EGLL</b>")
}

func TestInfo_Model(t *testing.T) {
	f := withReference(t)
	require.NoError(t, f.send(t, userID, "/info model a20n"))
	assert.Contains(t, f.ad.last(), "<b>A20N - Airbus A320neo</b>")
	assert.Contains(t, f.ad.last(), "Manufacturer: Airbus")

	require.NoError(t, f.send(t, userID, "/info aircraft B748"))
	assert.Contains(t, f.ad.last(), "No model record found for <b>B748</b>")
}

func TestInfo_Validation(t *testing.T) {
	f := withReference(t)
	require.Error(t, f.send(t, userID, "/info airport K"))
	assert.Contains(t, f.ad.last(), "at least 2 characters")

	require.Error(t, f.send(t, userID, "/info runway 27L"))
	assert.Contains(t, f.ad.last(), "airport or model")

	require.Error(t, f.send(t, userID, "/info airport"))
	assert.Contains(t, f.ad.last(), "usage: /info")
}

func TestLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flightwatch.log")
	var body strings.Builder
	for i := range 300 {
		if i%2 == 0 {
			body.WriteString("poll cycle <ok>\n")
		} else {
			body.WriteString("notify sent\n")
		}
	}
	require.NoError(t, os.WriteFile(path, []byte(body.String()), 0o644))
	f := newFixtureWith(t, func(d *Deps) { d.LogFile = func() string { return path } })

	require.NoError(t, f.send(t, ownerID, "/logs 3 NOTIFY"))
	assert.Equal(t, "<pre>notify sent\nnotify sent\nnotify sent</pre>", f.ad.last())

	require.NoError(t, f.send(t, ownerID, "/logs 1 poll"))
	assert.Equal(t, "<pre>poll cycle &lt;ok&gt;</pre>", f.ad.last())

	require.NoError(t, f.send(t, ownerID, "/logs 5000"))
	out := strings.TrimSuffix(strings.TrimPrefix(f.ad.last(), "<pre>"), "</pre>")
	assert.LessOrEqual(t, len(strings.ReplaceAll(strings.ReplaceAll(out, "&lt;", "<"), "&gt;", ">")), logReplyLimit)

	require.NoError(t, f.send(t, ownerID, "/logs quota exceeded"))
	assert.Equal(t, "No logs found.", f.ad.last())

	require.NoError(t, f.send(t, userID, "/logs"))
	assert.Equal(t, "unauthorized", f.ad.last())
}

func TestLogs_FileLoggingOff(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, ownerID, "/logs"))
	assert.Equal(t, "File logging is disabled.", f.ad.last())
}

func TestLastChars(t *testing.T) {
	assert.Equal(t, "abc", lastChars("abc", 5))
	assert.Equal(t, "bc", lastChars("abc", 2))
	assert.Equal(t, "", lastChars("ż", 1), "never starts inside a rune")
}

func TestChangeMentions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send(t, ownerID, "/changementions models @ann_spotter"))
	assert.Contains(t, f.ad.last(), "/setchannel first")
	assert.Empty(t, f.store.mentions)

	require.NoError(t, f.send(t, ownerID, "/setchannel"))
	require.NoError(t, f.send(t, ownerID, "/changementions models @ann_spotter @bob_spotter"))
	assert.Contains(t, f.ad.last(), "Aircraft/model: @ann_spotter @bob_spotter")
	require.NoError(t, f.send(t, ownerID, "/changementions airports @cid_spotter"))
	assert.Equal(t, storage.ChangeMentions{Models: "@ann_spotter @bob_spotter", Airports: "@cid_spotter"}, f.store.mentions[groupID])

	require.NoError(t, f.send(t, ownerID, "/changementions models off"))
	assert.Equal(t, storage.ChangeMentions{Airports: "@cid_spotter"}, f.store.mentions[groupID])

	require.NoError(t, f.send(t, ownerID, "/changementions"))
	assert.Equal(t, "Aircraft/model: none\nAirport: @cid_spotter", f.ad.last())

	require.Error(t, f.send(t, ownerID, "/changementions models ann"))
	assert.Contains(t, f.ad.last(), "not a @username")
	require.Error(t, f.send(t, ownerID, "/changementions runways @ann_spotter"))

	require.NoError(t, f.send(t, userID, "/changementions models @ann_spotter"))
	assert.Equal(t, "unauthorized", f.ad.last())
}
