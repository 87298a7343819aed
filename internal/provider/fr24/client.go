// Package fr24 talks to the Flightradar24 live positions API through a
// credential pool.
package fr24

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flightwatch/internal/credpool"
	"flightwatch/internal/flight"
	logx "flightwatch/pkg/logx"
)

const (
	positionsPath = "/api/live/flight-positions/full"
	usagePath     = "/api/usage"

	headerCreditsConsumed  = "x-fr24-credits-consumed"
	headerCreditsRemaining = "x-fr24-credits-remaining"
)

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	AcceptVersion string
	UserAgent     string
}

// Response is one successful positions call.
type Response struct {
	Flights  []flight.Flight
	Credits  credpool.Credits
	KeyIndex int
	Encoding string
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	status := strings.ToLower(http.StatusText(e.Code))
	if e.Code == http.StatusUnprocessableEntity {
		status = "validation error"
	}
	return fmt.Sprintf("fr24 %s returned %d %s: %s", e.Path, e.Code, status, e.Body)
}

type Client struct {
	cfg  Config
	http *http.Client
	pool *credpool.Pool
	log  logx.Logger
}

func New(cfg Config, pool *credpool.Pool, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fr24api.flightradar24.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AcceptVersion == "" {
		cfg.AcceptVersion = "v1"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		pool: pool,
		log:  log,
	}
}

func (c *Client) FetchByAircraft(ctx context.Context, codes []string) (Response, error) {
	return c.Fetch(ctx, flight.KindAircraft, codes)
}

func (c *Client) FetchByRegistration(ctx context.Context, regs []string) (Response, error) {
	return c.Fetch(ctx, flight.KindRegistration, regs)
}

func (c *Client) FetchInbound(ctx context.Context, airports []string) (Response, error) {
	return c.Fetch(ctx, flight.KindAirport, airports)
}

// Fetch requests live positions for codes, walking the encoding strategies
// for kind until one is accepted. Only parameter-shaped failures move on to
// the next strategy.
func (c *Client) Fetch(ctx context.Context, kind flight.Kind, codes []string) (Response, error) {
	if len(codes) == 0 {
		return Response{}, nil
	}
	encs := Encodings(kind)
	if len(encs) == 0 {
		return Response{}, fmt.Errorf("fr24: no request encoding for kind %q", kind)
	}
	tried := map[string]bool{}
	var lastErr error
	for _, enc := range encs {
		params := enc.Encode(codes)
		sig := params.Encode()
		if tried[sig] {
			continue
		}
		tried[sig] = true

		resp, err := c.positions(ctx, params)
		if err == nil {
			resp.Encoding = enc.Name
			return resp, nil
		}
		lastErr = err
		if !credpool.IsParamError(err) {
			return Response{}, err
		}
		c.log.Debug("fr24 encoding rejected", logx.String("kind", string(kind)), logx.String("encoding", enc.Name), logx.Int("codes", len(codes)), logx.Err(err))
	}
	return Response{}, lastErr
}

func (c *Client) positions(ctx context.Context, params url.Values) (Response, error) {
	var out Response
	err := c.pool.Call(ctx, func(ctx context.Context, key credpool.Key) error {
		body, hdr, err := c.get(ctx, key, positionsPath, params)
		if err != nil {
			return err
		}
		var payload any
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				return fmt.Errorf("fr24 decode positions: %w", err)
			}
		}
		out = Response{
			Flights:  normalizePositions(payload),
			Credits:  extractCredits(hdr),
			KeyIndex: key.Index,
		}
		return nil
	})
	return out, err
}

// FetchUsage returns the raw account usage document.
func (c *Client) FetchUsage(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.pool.Call(ctx, func(ctx context.Context, key credpool.Key) error {
		body, _, err := c.get(ctx, key, usagePath, nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("fr24 decode usage: %w", err)
		}
		return nil
	})
	return out, err
}

func (c *Client) get(ctx context.Context, key credpool.Key, path string, params url.Values) ([]byte, http.Header, error) {
	u := c.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Version", c.cfg.AcceptVersion)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	c.log.Debug("fr24 request", logx.String("path", path), logx.String("params", params.Encode()), logx.Int("key", key.Index+1))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fr24 %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("fr24 %s read body: %w", path, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, fmt.Errorf("%w: fr24 %s returned 429: %s", credpool.ErrRateLimited, path, truncate(string(body), 200))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &StatusError{Path: path, Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, resp.Header, nil
}

// normalizePositions accepts {"data": [...]}, {"items": [...]},
// {"results": [...]} or a bare array.
func normalizePositions(payload any) []flight.Flight {
	var items []any
	switch v := payload.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, k := range []string{"data", "items", "results"} {
			if arr, ok := v[k].([]any); ok {
				items = arr
				break
			}
		}
	}
	out := make([]flight.Flight, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok && len(m) > 0 {
			out = append(out, flight.FromRecord(m))
		}
	}
	return out
}

func extractCredits(h http.Header) credpool.Credits {
	return credpool.Credits{
		Consumed:  parseHeaderInt(h.Get(headerCreditsConsumed)),
		Remaining: parseHeaderInt(h.Get(headerCreditsRemaining)),
	}
}

func parseHeaderInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
