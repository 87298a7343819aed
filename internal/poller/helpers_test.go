package poller

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"flightwatch/internal/credpool"
	"flightwatch/internal/flight"
	"flightwatch/internal/provider/fr24"
	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

func testLogger() logx.Logger { return logx.New(io.Discard, "debug") }

type ledgerKey struct {
	sub  int64
	flig string
}

type fakeStore struct {
	mu       sync.Mutex
	subs     []storage.Subscription
	channels map[int64]storage.ChannelRef
	ledger   map[ledgerKey]int
	credits  []storage.CreditRecord
	subsErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{channels: map[int64]storage.ChannelRef{}, ledger: map[ledgerKey]int{}}
}

func (s *fakeStore) add(id, guild, user int64, kind flight.Kind, code string) {
	s.subs = append(s.subs, storage.Subscription{ID: id, GuildID: guild, UserID: user, UserName: "u", Kind: kind, Code: code})
}

func (s *fakeStore) ActiveSubscriptions(context.Context) ([]storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subsErr != nil {
		return nil, s.subsErr
	}
	return append([]storage.Subscription(nil), s.subs...), nil
}

func (s *fakeStore) GuildNotifyChannel(_ context.Context, guild int64) (storage.ChannelRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[guild]
	return ch, ok, nil
}

func (s *fakeStore) GuildChannels(context.Context) ([]storage.GuildChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.GuildChannel
	for g, ch := range s.channels {
		out = append(out, storage.GuildChannel{GuildID: g, Channel: ch})
	}
	return out, nil
}

func (s *fakeStore) LoggedSubscriptionIDs(_ context.Context, id string, subs []int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]bool{}
	for _, sub := range subs {
		if s.ledger[ledgerKey{sub, id}] > 0 {
			out[sub] = true
		}
	}
	return out, nil
}

func (s *fakeStore) LogNotifications(_ context.Context, subs []int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		s.ledger[ledgerKey{sub, id}]++
	}
	return nil
}

func (s *fakeStore) SaveCredits(_ context.Context, r storage.CreditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits = append(s.credits, r)
	return nil
}

type call struct {
	kind  flight.Kind
	codes string
}

type fakeProvider struct {
	mu     sync.Mutex
	calls  []call
	handle func(kind flight.Kind, codes []string) (fr24.Response, error)
}

func (p *fakeProvider) Fetch(_ context.Context, kind flight.Kind, codes []string) (fr24.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call{kind, strings.Join(codes, ",")})
	p.mu.Unlock()
	if p.handle == nil {
		return fr24.Response{}, nil
	}
	return p.handle(kind, codes)
}

type fakeSink struct {
	mu      sync.Mutex
	sent    []Notification
	alerts  []string
	sendErr error
}

func (s *fakeSink) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *fakeSink) Alert(_ context.Context, ch storage.ChannelRef, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, text)
	return nil
}

func testReference() *reference.Cache {
	lat, lon := 52.1657, 20.9671
	jlat, jlon := 40.6413, -73.7781
	c := reference.NewCache()
	c.SetAirports([]storage.AirportRow{
		{ICAO: "EPWA", IATA: "WAW", Name: "Warsaw Chopin", Lat: &lat, Lon: &lon},
		{ICAO: "KJFK", IATA: "JFK", Name: "John F Kennedy", Lat: &jlat, Lon: &jlon},
	})
	return c
}

func newTestPool() *credpool.Pool {
	return credpool.New([]string{"key-aaaa1111", "key-bbbb2222"}, credpool.Config{}, credpool.WithLogger(testLogger()))
}

func paramErr() error {
	return &credpool.RequestError{Kind: credpool.KindParam, Err: errors.New("validation error")}
}

func airborne(id, dest string) flight.Flight {
	return flight.FromRecord(map[string]any{
		"fr24_id":   id,
		"callsign":  "LOT" + id,
		"reg":       "SP-L" + id,
		"type":      "B738",
		"dest_icao": dest,
		"alt":       3500.0,
		"gspeed":    180.0,
		"lat":       52.3,
		"lon":       20.9,
	})
}
