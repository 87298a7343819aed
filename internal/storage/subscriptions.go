package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flightwatch/internal/flight"
)

const subscriptionColumns = "id, guild_id, user_id, user_name, kind, code, created_at"

func scanSubscription(sc interface{ Scan(...any) error }) (Subscription, error) {
	var (
		sub       Subscription
		kind      string
		createdAt string
	)
	if err := sc.Scan(&sub.ID, &sub.GuildID, &sub.UserID, &sub.UserName, &kind, &sub.Code, &createdAt); err != nil {
		return Subscription{}, err
	}
	sub.Kind = flight.Kind(kind)
	sub.CreatedAt = parseTime(createdAt)
	return sub, nil
}

func (s *SQLite) querySubscriptions(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ActiveSubscriptions returns every subscription, oldest first.
func (s *SQLite) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions ORDER BY id")
}

func (s *SQLite) GuildSubscriptions(ctx context.Context, guildID int64) ([]Subscription, error) {
	return s.querySubscriptions(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE guild_id = ? ORDER BY id", guildID)
}

func (s *SQLite) UserSubscriptions(ctx context.Context, guildID, userID int64) ([]Subscription, error) {
	return s.querySubscriptions(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE guild_id = ? AND user_id = ? ORDER BY kind, code", guildID, userID)
}

// AddSubscription inserts a watch. It reports false when the same
// (guild, user, kind, code) already exists.
func (s *SQLite) AddSubscription(ctx context.Context, sub Subscription) (bool, error) {
	if !sub.Kind.Valid() {
		return false, fmt.Errorf("invalid subscription kind %q", sub.Kind)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (guild_id, user_id, user_name, kind, code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.GuildID, sub.UserID, sub.UserName, string(sub.Kind), sub.Code, formatTime(s.now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) RemoveSubscription(ctx context.Context, guildID, userID int64, kind flight.Kind, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE guild_id = ? AND user_id = ? AND kind = ? AND code = ?",
		guildID, userID, string(kind), code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveSubscriptionsByID deletes the given ids and returns how many existed.
func (s *SQLite) RemoveSubscriptionsByID(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GuildNotifyChannel returns the channel configured for a guild.
func (s *SQLite) GuildNotifyChannel(ctx context.Context, guildID int64) (ChannelRef, bool, error) {
	var ch ChannelRef
	err := s.db.QueryRowContext(ctx,
		"SELECT notify_chat_id, notify_thread_id FROM chat_settings WHERE guild_id = ?", guildID).
		Scan(&ch.ChatID, &ch.ThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelRef{}, false, nil
	}
	if err != nil {
		return ChannelRef{}, false, err
	}
	return ch, true, nil
}

func (s *SQLite) SetGuildNotifyChannel(ctx context.Context, guildID int64, ch ChannelRef, updatedBy int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_settings (guild_id, notify_chat_id, notify_thread_id, updated_by, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET
		   notify_chat_id = excluded.notify_chat_id,
		   notify_thread_id = excluded.notify_thread_id,
		   updated_by = excluded.updated_by,
		   updated_at = excluded.updated_at`,
		guildID, ch.ChatID, ch.ThreadID, updatedBy, formatTime(s.now()))
	return err
}

func (s *SQLite) GuildChannels(ctx context.Context) ([]GuildChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, notify_chat_id, notify_thread_id, model_change_mention, airport_change_mention, updated_by, updated_at
		 FROM chat_settings ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GuildChannel
	for rows.Next() {
		var (
			g  GuildChannel
			at string
		)
		if err := rows.Scan(&g.GuildID, &g.Channel.ChatID, &g.Channel.ThreadID, &g.Mentions.Models, &g.Mentions.Airports, &g.UpdatedBy, &at); err != nil {
			return nil, err
		}
		g.UpdatedAt = parseTime(at)
		out = append(out, g)
	}
	return out, rows.Err()
}

// GuildChangeMentions returns the mentions set for a guild. ok is false
// when the guild has no notify channel.
func (s *SQLite) GuildChangeMentions(ctx context.Context, guildID int64) (ChangeMentions, bool, error) {
	var m ChangeMentions
	err := s.db.QueryRowContext(ctx,
		"SELECT model_change_mention, airport_change_mention FROM chat_settings WHERE guild_id = ?", guildID).
		Scan(&m.Models, &m.Airports)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeMentions{}, false, nil
	}
	if err != nil {
		return ChangeMentions{}, false, err
	}
	return m, true, nil
}

// SetGuildChangeMentions stores m for a guild that already has a notify
// channel. It returns false when it does not.
func (s *SQLite) SetGuildChangeMentions(ctx context.Context, guildID int64, m ChangeMentions, updatedBy int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_settings SET model_change_mention = ?, airport_change_mention = ?, updated_by = ?, updated_at = ?
		 WHERE guild_id = ?`,
		m.Models, m.Airports, updatedBy, formatTime(s.now()), guildID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LoggedSubscriptionIDs returns which of subIDs already have a ledger row
// for flightID.
func (s *SQLite) LoggedSubscriptionIDs(ctx context.Context, flightID string, subIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(subIDs))
	if len(subIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(subIDs)+1)
	args = append(args, flightID)
	for _, id := range subIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT subscription_id FROM notification_log WHERE flight_id = ? AND subscription_id IN ("+placeholders(len(subIDs))+")",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// LogNotifications records the ledger rows in one transaction. Existing
// pairs are left untouched.
func (s *SQLite) LogNotifications(ctx context.Context, subIDs []int64, flightID string) error {
	if len(subIDs) == 0 {
		return nil
	}
	at := formatTime(s.now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR IGNORE INTO notification_log (subscription_id, flight_id, notified_at) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range subIDs {
			if _, err := stmt.ExecContext(ctx, id, flightID, at); err != nil {
				return fmt.Errorf("log notification %d/%s: %w", id, flightID, err)
			}
		}
		return nil
	})
}

// CleanupNotifications deletes ledger rows older than cutoff.
func (s *SQLite) CleanupNotifications(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notification_log WHERE notified_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.subscription_id, s.guild_id, s.user_id, s.kind, s.code, n.flight_id, n.notified_at
		 FROM notification_log n JOIN subscriptions s ON s.id = n.subscription_id
		 ORDER BY n.notified_at DESC, n.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NotificationRecord
	for rows.Next() {
		var (
			r    NotificationRecord
			kind string
			at   string
		)
		if err := rows.Scan(&r.SubscriptionID, &r.GuildID, &r.UserID, &kind, &r.Code, &r.FlightID, &at); err != nil {
			return nil, err
		}
		r.Kind = flight.Kind(kind)
		r.NotifiedAt = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
