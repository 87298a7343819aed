package storage

import (
	"errors"
	"time"

	"flightwatch/internal/flight"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Subscription is one user's watch on a code within a guild (a chat).
type Subscription struct {
	ID        int64
	GuildID   int64
	UserID    int64
	UserName  string
	Kind      flight.Kind
	Code      string
	CreatedAt time.Time
}

// ChannelRef is where a guild wants notifications delivered.
type ChannelRef struct {
	ChatID   int64
	ThreadID int
}

func (c ChannelRef) IsZero() bool { return c.ChatID == 0 }

type GuildChannel struct {
	GuildID   int64
	Channel   ChannelRef
	Mentions  ChangeMentions
	UpdatedBy int64
	UpdatedAt time.Time
}

// ChangeMentions are the users a guild pings when a reference dataset
// changes, as space-separated @usernames.
type ChangeMentions struct {
	Models   string
	Airports string
}

// CreditRecord is the last credit usage seen for a credential suffix.
type CreditRecord struct {
	Suffix    string
	Consumed  *int64
	Remaining *int64
	UpdatedAt time.Time
}

type KeyPark struct {
	Suffix      string
	ParkedUntil time.Time
	Reason      string
	ParkedAt    time.Time
}

// PollerSettings are the persisted admin overrides. Nil fields were never set.
type PollerSettings struct {
	Enabled         *bool
	IntervalSeconds *int
}

type NotificationRecord struct {
	SubscriptionID int64
	GuildID        int64
	UserID         int64
	Kind           flight.Kind
	Code           string
	FlightID       string
	NotifiedAt     time.Time
}

type AirportRow struct {
	ICAO      string
	IATA      string
	Name      string
	City      string
	PlaceCode string
	Lat       *float64
	Lon       *float64
}

type ModelRow struct {
	ICAO         string
	Manufacturer string
	Name         string
}

type ReferenceMeta struct {
	Dataset   string
	UpdatedAt string
	FetchedAt time.Time
	RowCount  int
}

type UsageCache struct {
	Payload   map[string]any
	FetchedAt time.Time
}
