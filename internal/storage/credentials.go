package storage

import (
	"context"
	"database/sql"
	"time"
)

func (s *SQLite) CreditRecords(ctx context.Context) ([]CreditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key_suffix, consumed, remaining, updated_at FROM credential_credits ORDER BY key_suffix")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CreditRecord
	for rows.Next() {
		var (
			r                   CreditRecord
			consumed, remaining sql.NullInt64
			at                  string
		)
		if err := rows.Scan(&r.Suffix, &consumed, &remaining, &at); err != nil {
			return nil, err
		}
		r.Consumed = ptrInt(consumed)
		r.Remaining = ptrInt(remaining)
		r.UpdatedAt = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveCredits upserts the latest credit reading for a credential suffix.
func (s *SQLite) SaveCredits(ctx context.Context, r CreditRecord) error {
	at := r.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_credits (key_suffix, consumed, remaining, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_suffix) DO UPDATE SET
		   consumed = COALESCE(excluded.consumed, credential_credits.consumed),
		   remaining = COALESCE(excluded.remaining, credential_credits.remaining),
		   updated_at = excluded.updated_at`,
		r.Suffix, nullInt(r.Consumed), nullInt(r.Remaining), formatTime(at))
	return err
}

// Parks returns parking rows whose deadline is after now.
func (s *SQLite) Parks(ctx context.Context, now time.Time) ([]KeyPark, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key_suffix, parked_until, reason, parked_at FROM credential_parking WHERE parked_until > ? ORDER BY key_suffix",
		formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KeyPark
	for rows.Next() {
		var (
			p           KeyPark
			until, from string
		)
		if err := rows.Scan(&p.Suffix, &until, &p.Reason, &from); err != nil {
			return nil, err
		}
		p.ParkedUntil = parseTime(until)
		p.ParkedAt = parseTime(from)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) SavePark(ctx context.Context, p KeyPark) error {
	at := p.ParkedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_parking (key_suffix, parked_until, reason, parked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_suffix) DO UPDATE SET
		   parked_until = excluded.parked_until,
		   reason = excluded.reason,
		   parked_at = excluded.parked_at`,
		p.Suffix, formatTime(p.ParkedUntil), p.Reason, formatTime(at))
	return err
}

func (s *SQLite) ClearPark(ctx context.Context, suffix string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM credential_parking WHERE key_suffix = ?", suffix)
	return err
}
