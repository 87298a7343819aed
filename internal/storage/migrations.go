package storage

type migration struct {
	version int
	sql     string
}

// migrations are applied once each, in order, and recorded in
// schema_migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE chat_settings (
    guild_id         INTEGER PRIMARY KEY,
    notify_chat_id   INTEGER NOT NULL,
    notify_thread_id INTEGER NOT NULL DEFAULT 0,
    updated_by       INTEGER NOT NULL DEFAULT 0,
    updated_at       TEXT NOT NULL
);

CREATE TABLE subscriptions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id   INTEGER NOT NULL,
    user_id    INTEGER NOT NULL,
    user_name  TEXT NOT NULL DEFAULT '',
    kind       TEXT NOT NULL CHECK (kind IN ('aircraft', 'airport', 'registration')),
    code       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (guild_id, user_id, kind, code)
);
CREATE INDEX idx_subscriptions_guild_kind_code ON subscriptions (guild_id, kind, code);

CREATE TABLE notification_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    subscription_id INTEGER NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
    flight_id       TEXT NOT NULL,
    notified_at     TEXT NOT NULL,
    UNIQUE (subscription_id, flight_id)
);
CREATE INDEX idx_notification_log_notified_at ON notification_log (notified_at);
CREATE INDEX idx_notification_log_flight ON notification_log (flight_id);

CREATE TABLE bot_settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE usage_cache (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    payload    TEXT NOT NULL,
    fetched_at TEXT NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE credential_credits (
    key_suffix TEXT PRIMARY KEY,
    consumed   INTEGER,
    remaining  INTEGER,
    updated_at TEXT NOT NULL
);

CREATE TABLE credential_parking (
    key_suffix   TEXT PRIMARY KEY,
    parked_until TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    parked_at    TEXT NOT NULL
);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE reference_airports (
    icao       TEXT PRIMARY KEY,
    iata       TEXT,
    name       TEXT NOT NULL,
    city       TEXT NOT NULL DEFAULT '',
    place_code TEXT NOT NULL DEFAULT '',
    lat        REAL,
    lon        REAL
);
CREATE INDEX idx_reference_airports_iata ON reference_airports (iata);

CREATE TABLE reference_models (
    icao         TEXT PRIMARY KEY,
    manufacturer TEXT NOT NULL DEFAULT '',
    name         TEXT NOT NULL
);

CREATE TABLE reference_meta (
    dataset    TEXT PRIMARY KEY,
    updated_at TEXT,
    fetched_at TEXT NOT NULL,
    row_count  INTEGER NOT NULL
);
`,
	},
	{
		version: 4,
		sql: `
ALTER TABLE chat_settings ADD COLUMN model_change_mention TEXT NOT NULL DEFAULT '';
ALTER TABLE chat_settings ADD COLUMN airport_change_mention TEXT NOT NULL DEFAULT '';
`,
	},
}
