// Package usage fetches, caches and renders the provider account usage.
package usage

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"flightwatch/internal/storage"
)

type Fetcher interface {
	FetchUsage(ctx context.Context) (map[string]any, error)
}

type Store interface {
	Usage(ctx context.Context) (storage.UsageCache, error)
	SaveUsage(ctx context.Context, payload map[string]any) error
}

type Service struct {
	fetch Fetcher
	store Store
	now   func() time.Time
}

func NewService(f Fetcher, st Store) *Service {
	return &Service{fetch: f, store: st, now: time.Now}
}

// Refresh fetches the usage document and caches it.
func (s *Service) Refresh(ctx context.Context) (storage.UsageCache, error) {
	payload, err := s.fetch.FetchUsage(ctx)
	if err != nil {
		return storage.UsageCache{}, err
	}
	if len(payload) == 0 {
		return storage.UsageCache{}, errors.New("usage response was empty")
	}
	if err := s.store.SaveUsage(ctx, payload); err != nil {
		return storage.UsageCache{}, fmt.Errorf("cache usage: %w", err)
	}
	return storage.UsageCache{Payload: payload, FetchedAt: s.now().UTC()}, nil
}

// Cached returns the last stored usage document.
func (s *Service) Cached(ctx context.Context) (storage.UsageCache, bool, error) {
	u, err := s.store.Usage(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.UsageCache{}, false, nil
	}
	if err != nil {
		return storage.UsageCache{}, false, err
	}
	return u, true, nil
}

var fields = []struct {
	label string
	keys  []string
}{
	{"Remaining", []string{"remaining", "remaining_credits", "credits_remaining"}},
	{"Used", []string{"used", "used_credits", "credits_used"}},
	{"Limit", []string{"limit", "credits", "monthly_limit", "total"}},
	{"Period start", []string{"period_start", "start", "start_date"}},
	{"Period end", []string{"period_end", "end", "end_date", "reset_at"}},
	{"Plan", []string{"plan", "tier", "subscription"}},
}

// Render formats a usage document as HTML. Unknown layouts fall back to
// a sorted dump of top-level scalar fields.
func Render(u storage.UsageCache) string {
	var b strings.Builder
	b.WriteString("<b>FR24 API usage</b>\n")
	found := 0
	for _, f := range fields {
		if v, ok := FindValue(u.Payload, f.keys...); ok {
			fmt.Fprintf(&b, "%s: %s\n", f.label, html.EscapeString(v))
			found++
		}
	}
	if found == 0 {
		keys := make([]string, 0, len(u.Payload))
		for k := range u.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := scalar(u.Payload[k]); ok {
				fmt.Fprintf(&b, "%s: %s\n", html.EscapeString(k), html.EscapeString(s))
			}
		}
	}
	if !u.FetchedAt.IsZero() {
		fmt.Fprintf(&b, "<i>Updated %s</i>", u.FetchedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FindValue searches the document depth-first for the first of keys,
// trying each key across the whole tree before the next one.
func FindValue(data map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := find(data, k); ok {
			return v, true
		}
	}
	return "", false
}

func find(obj any, key string) (string, bool) {
	switch x := obj.(type) {
	case map[string]any:
		if v, ok := x[key]; ok && v != nil {
			if s, ok := scalar(v); ok {
				return s, true
			}
		}
		names := make([]string, 0, len(x))
		for k := range x {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if s, ok := find(x[k], key); ok {
				return s, true
			}
		}
	case []any:
		for _, v := range x {
			if s, ok := find(v, key); ok {
				return s, true
			}
		}
	}
	return "", false
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x)), true
		}
		return fmt.Sprintf("%g", x), true
	case bool, int, int64:
		return fmt.Sprint(x), true
	}
	return "", false
}
