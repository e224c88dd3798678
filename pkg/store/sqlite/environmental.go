package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

const environmentalColumns = `id, ts, temperature, humidity, rainfall, thunder, pest_count,
       cpu_usage, status, latitude, longitude`

// environmentalMatch is the null-safe comparison on the dedup fields. SQLite's
// IS operator treats two NULLs as equal.
const environmentalMatch = `ts BETWEEN ? AND ?
  AND temperature IS ? AND humidity IS ? AND rainfall IS ?
  AND thunder = ? AND pest_count = ?`

func environmentalMatchArgs(around time.Time, window time.Duration, m models.EnvironmentalReading) []any {
	from, to := windowBounds(around, window)
	return []any{
		from, to,
		nullFloat(m.Temperature), nullFloat(m.Humidity), nullFloat(m.Rainfall),
		m.Thunder, m.PestCount,
	}
}

func insertEnvironmental(ctx context.Context, q querier, r *models.EnvironmentalReading) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO environmental_readings
		    (ts, temperature, humidity, rainfall, thunder, pest_count,
		     cpu_usage, status, latitude, longitude)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UnixNano(),
		nullFloat(r.Temperature),
		nullFloat(r.Humidity),
		nullFloat(r.Rainfall),
		r.Thunder,
		r.PestCount,
		nullFloat(r.CPUUsage),
		r.Status,
		nullFloat(r.Latitude),
		nullFloat(r.Longitude),
	)
	if err != nil {
		return fmt.Errorf("insert environmental: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert environmental: %w", err)
	}
	r.ID = id
	return nil
}

// InsertEnvironmental persists r unconditionally and sets r.ID.
func (s *Store) InsertEnvironmental(ctx context.Context, r *models.EnvironmentalReading) error {
	if err := insertEnvironmental(ctx, s.db, r); err != nil {
		return err
	}
	s.touch()
	return nil
}

// InsertEnvironmentalUnique persists r unless a reading with the same
// comparison fields exists within window of r.Timestamp, in which case it
// returns store.ErrDuplicate.
func (s *Store) InsertEnvironmentalUnique(ctx context.Context, r *models.EnvironmentalReading, window time.Duration) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM environmental_readings WHERE `+environmentalMatch+`)`,
			environmentalMatchArgs(r.Timestamp, window, *r)...,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check duplicate environmental: %w", err)
		}
		if exists {
			return store.ErrDuplicate
		}
		return insertEnvironmental(ctx, tx, r)
	})
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

// FindRecentEnvironmental returns readings matching the dedup fields of
// match within window of around, oldest first.
func (s *Store) FindRecentEnvironmental(ctx context.Context, around time.Time, window time.Duration, match models.EnvironmentalReading) ([]models.EnvironmentalReading, error) {
	return s.queryEnvironmental(ctx,
		`SELECT `+environmentalColumns+` FROM environmental_readings
		 WHERE `+environmentalMatch+` ORDER BY ts, id`,
		environmentalMatchArgs(around, window, match)...)
}

// EnvironmentalSince returns readings with a timestamp at or after since,
// oldest first.
func (s *Store) EnvironmentalSince(ctx context.Context, since time.Time) ([]models.EnvironmentalReading, error) {
	return s.queryEnvironmental(ctx,
		`SELECT `+environmentalColumns+` FROM environmental_readings
		 WHERE ts >= ? ORDER BY ts, id`,
		since.UnixNano())
}

// LatestEnvironmental returns the most recent reading or store.ErrNotFound.
func (s *Store) LatestEnvironmental(ctx context.Context) (*models.EnvironmentalReading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+environmentalColumns+` FROM environmental_readings
		 ORDER BY ts DESC, id DESC LIMIT 1`)
	r, err := scanEnvironmental(row)
	if noRows(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest environmental: %w", err)
	}
	return &r, nil
}

// UpdateEnvironmental rewrites every column of the row identified by r.ID.
func (s *Store) UpdateEnvironmental(ctx context.Context, r *models.EnvironmentalReading) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE environmental_readings
		 SET ts = ?, temperature = ?, humidity = ?, rainfall = ?, thunder = ?,
		     pest_count = ?, cpu_usage = ?, status = ?, latitude = ?, longitude = ?
		 WHERE id = ?`,
		r.Timestamp.UnixNano(),
		nullFloat(r.Temperature),
		nullFloat(r.Humidity),
		nullFloat(r.Rainfall),
		r.Thunder,
		r.PestCount,
		nullFloat(r.CPUUsage),
		r.Status,
		nullFloat(r.Latitude),
		nullFloat(r.Longitude),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update environmental %d: %w", r.ID, err)
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("update environmental %d: %w", r.ID, err)
	}
	s.touch()
	return nil
}

func (s *Store) queryEnvironmental(ctx context.Context, q string, args ...any) ([]models.EnvironmentalReading, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query environmental: %w", err)
	}
	defer rows.Close()

	var out []models.EnvironmentalReading
	for rows.Next() {
		r, err := scanEnvironmental(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environmental: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironmental(sc scanner) (models.EnvironmentalReading, error) {
	var (
		r                              models.EnvironmentalReading
		ts                             int64
		temp, hum, rain, cpu, lat, lon sql.NullFloat64
	)
	err := sc.Scan(&r.ID, &ts, &temp, &hum, &rain, &r.Thunder, &r.PestCount,
		&cpu, &r.Status, &lat, &lon)
	if err != nil {
		return models.EnvironmentalReading{}, err
	}
	r.Timestamp = fromNanos(ts)
	r.Temperature = floatPtr(temp)
	r.Humidity = floatPtr(hum)
	r.Rainfall = floatPtr(rain)
	r.CPUUsage = floatPtr(cpu)
	r.Latitude = floatPtr(lat)
	r.Longitude = floatPtr(lon)
	return r, nil
}
