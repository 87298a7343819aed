package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceAirports swaps the whole airport table in one transaction and
// records the dataset meta row.
func (s *SQLite) ReplaceAirports(ctx context.Context, rows []AirportRow, updatedAt string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM reference_airports"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO reference_airports (icao, iata, name, city, place_code, lat, lon)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.ICAO, nullStr(r.IATA), r.Name, r.City, r.PlaceCode, nullFloat(r.Lat), nullFloat(r.Lon)); err != nil {
				return fmt.Errorf("insert airport %s: %w", r.ICAO, err)
			}
		}
		return s.writeMeta(ctx, tx, "airports", updatedAt, len(rows))
	})
}

func (s *SQLite) ReplaceModels(ctx context.Context, rows []ModelRow, updatedAt string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM reference_models"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO reference_models (icao, manufacturer, name) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.ICAO, r.Manufacturer, r.Name); err != nil {
				return fmt.Errorf("insert model %s: %w", r.ICAO, err)
			}
		}
		return s.writeMeta(ctx, tx, "models", updatedAt, len(rows))
	})
}

func (s *SQLite) writeMeta(ctx context.Context, tx *sql.Tx, dataset, updatedAt string, n int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reference_meta (dataset, updated_at, fetched_at, row_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT(dataset) DO UPDATE SET
		   updated_at = excluded.updated_at,
		   fetched_at = excluded.fetched_at,
		   row_count = excluded.row_count`,
		dataset, nullStr(updatedAt), formatTime(s.now()), n)
	return err
}

func (s *SQLite) Airports(ctx context.Context) ([]AirportRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT icao, iata, name, city, place_code, lat, lon FROM reference_airports ORDER BY icao")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AirportRow
	for rows.Next() {
		var (
			r        AirportRow
			iata     sql.NullString
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&r.ICAO, &iata, &r.Name, &r.City, &r.PlaceCode, &lat, &lon); err != nil {
			return nil, err
		}
		r.IATA = iata.String
		r.Lat = ptrFloat(lat)
		r.Lon = ptrFloat(lon)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Models(ctx context.Context) ([]ModelRow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT icao, manufacturer, name FROM reference_models ORDER BY icao")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ModelRow
	for rows.Next() {
		var r ModelRow
		if err := rows.Scan(&r.ICAO, &r.Manufacturer, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReferenceMeta returns the meta row for a dataset, or ErrNotFound.
func (s *SQLite) ReferenceMeta(ctx context.Context, dataset string) (ReferenceMeta, error) {
	var (
		m         ReferenceMeta
		updatedAt sql.NullString
		fetchedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT dataset, updated_at, fetched_at, row_count FROM reference_meta WHERE dataset = ?", dataset).
		Scan(&m.Dataset, &updatedAt, &fetchedAt, &m.RowCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ReferenceMeta{}, ErrNotFound
	}
	if err != nil {
		return ReferenceMeta{}, err
	}
	m.UpdatedAt = updatedAt.String
	m.FetchedAt = parseTime(fetchedAt)
	return m, nil
}
