package fr24

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flightwatch/internal/credpool"
	"flightwatch/internal/flight"
	"flightwatch/internal/ratelimit"
)

func testClient(t *testing.T, h http.HandlerFunc, keys ...string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	if len(keys) == 0 {
		keys = []string{"key-aaaa"}
	}
	pool := credpool.New(keys, credpool.Config{MaxRequestsPerMinute: 60},
		credpool.WithClock(ratelimit.NewManualClock(time.Now())))
	return New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, pool, testLogger())
}

func TestFetchInbound_DecodesPositionsAndCredits(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, positionsPath, r.URL.Path)
		assert.Equal(t, "Bearer key-aaaa", r.Header.Get("Authorization"))
		assert.Equal(t, "v1", r.Header.Get("Accept-Version"))
		assert.Equal(t, "inbound:EPWA", r.URL.Query().Get("airports"))
		w.Header().Set(headerCreditsConsumed, "8")
		w.Header().Set(headerCreditsRemaining, "29992")
		_, _ = w.Write([]byte(`{"data":[{"fr24_id":"abc","dest_icao":"EPWA","alt":0},null,{}]}`))
	})

	resp, err := c.FetchInbound(context.Background(), []string{"EPWA"})
	require.NoError(t, err)
	require.Len(t, resp.Flights, 1)
	assert.Equal(t, "abc", resp.Flights[0].ID)
	assert.Equal(t, "per-value", resp.Encoding)
	require.NotNil(t, resp.Credits.Consumed)
	assert.Equal(t, int64(8), *resp.Credits.Consumed)
	assert.Equal(t, int64(29992), *resp.Credits.Remaining)
}

func TestFetch_ListParams(t *testing.T) {
	var got atomic.Value
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.RawQuery)
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.FetchByAircraft(context.Background(), []string{"B738", "A320"})
	require.NoError(t, err)
	assert.Equal(t, "aircraft=B738%2CA320", got.Load())

	_, err = c.FetchByRegistration(context.Background(), []string{"SP-LWA"})
	require.NoError(t, err)
	assert.Equal(t, "registrations=SP-LWA", got.Load())
}

func TestFetch_EncodingLadder(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		v := r.URL.Query().Get("airports")
		if strings.Count(v, "inbound:") > 1 {
			http.Error(w, `{"message":"pattern mismatch"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"1"},{"id":"2"}]}`))
	})

	resp, err := c.FetchInbound(context.Background(), []string{"EPWA", "EGLL"})
	require.NoError(t, err)
	assert.Equal(t, "shared-direction", resp.Encoding)
	assert.Len(t, resp.Flights, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_AllEncodingsRejected(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	})

	_, err := c.FetchInbound(context.Background(), []string{"EPWA", "EGLL"})
	require.Error(t, err)
	assert.True(t, credpool.IsParamError(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_SingleCodeTriesOnce(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	})

	_, err := c.FetchInbound(context.Background(), []string{"EPWA"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "identical encodings are not retried")
}

func TestFetch_TransportErrorStopsLadder(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := c.FetchInbound(context.Background(), []string{"EPWA", "EGLL"})
	require.Error(t, err)
	assert.False(t, credpool.IsParamError(err))
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_RateLimited(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}, "key-aaaa", "key-bbbb")

	_, err := c.FetchByAircraft(context.Background(), []string{"B738", "A320"})
	require.Error(t, err)
	assert.True(t, credpool.IsRateLimited(err))
}

func TestFetchUsage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, usagePath, r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"remaining":1200,"used":300}}`))
	})

	usage, err := c.FetchUsage(context.Background())
	require.NoError(t, err)
	assert.Contains(t, usage, "data")
}

func TestNormalizePositions(t *testing.T) {
	assert.Len(t, normalizePositions(map[string]any{"results": []any{map[string]any{"id": "x"}}}), 1)
	assert.Empty(t, normalizePositions(nil))
	assert.Empty(t, normalizePositions(map[string]any{"data": "oops"}))
}

func TestEncodings(t *testing.T) {
	assert.Len(t, Encodings(flight.KindAirport), 2)
	assert.Nil(t, Encodings(flight.Kind("ship")))
	v := Encodings(flight.KindAirport)[0].Encode([]string{"WAW", "PL"})
	assert.Equal(t, "inbound:WAW,inbound:PL", v.Get("airports"))
}

func TestExtractCredits(t *testing.T) {
	h := http.Header{}
	h.Set(headerCreditsRemaining, "abc")
	cr := extractCredits(h)
	assert.Nil(t, cr.Remaining)
	assert.Nil(t, cr.Consumed)
	assert.False(t, cr.Known())
}
