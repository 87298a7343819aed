package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
)

const (
	settingPollingEnabled  = "polling_enabled"
	settingIntervalSeconds = "poll_interval_seconds"
)

func (s *SQLite) setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM bot_settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLite) setSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()))
	return err
}

// PollerSettings returns persisted overrides. Unparseable values are
// treated as unset.
func (s *SQLite) PollerSettings(ctx context.Context) (PollerSettings, error) {
	var out PollerSettings
	if v, ok, err := s.setting(ctx, settingPollingEnabled); err != nil {
		return out, err
	} else if ok {
		if b, perr := strconv.ParseBool(v); perr == nil {
			out.Enabled = &b
		}
	}
	if v, ok, err := s.setting(ctx, settingIntervalSeconds); err != nil {
		return out, err
	} else if ok {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			out.IntervalSeconds = &n
		}
	}
	return out, nil
}

func (s *SQLite) SetPollingEnabled(ctx context.Context, enabled bool) error {
	return s.setSetting(ctx, settingPollingEnabled, strconv.FormatBool(enabled))
}

func (s *SQLite) SetPollInterval(ctx context.Context, seconds int) error {
	return s.setSetting(ctx, settingIntervalSeconds, strconv.Itoa(seconds))
}

// Usage returns the cached usage payload, or ErrNotFound.
func (s *SQLite) Usage(ctx context.Context) (UsageCache, error) {
	var raw, at string
	err := s.db.QueryRowContext(ctx, "SELECT payload, fetched_at FROM usage_cache WHERE id = 1").Scan(&raw, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return UsageCache{}, ErrNotFound
	}
	if err != nil {
		return UsageCache{}, err
	}
	out := UsageCache{FetchedAt: parseTime(at)}
	if err := json.Unmarshal([]byte(raw), &out.Payload); err != nil {
		return UsageCache{}, err
	}
	return out, nil
}

func (s *SQLite) SaveUsage(ctx context.Context, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_cache (id, payload, fetched_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`,
		string(b), formatTime(s.now()))
	return err
}
