package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

const detectionColumns = `id, ts, total_detections, class_counts, growth_stage,
       image_path, latitude, longitude, status`

// InsertDetection persists d and sets d.ID. Detection events are never
// deduplicated.
func (s *Store) InsertDetection(ctx context.Context, d *models.DetectionEvent) error {
	counts := d.ClassCounts
	if counts == nil {
		counts = map[string]int{}
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal class_counts: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_events
		    (ts, total_detections, class_counts, growth_stage, image_path,
		     latitude, longitude, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Timestamp.UnixNano(),
		d.TotalDetections,
		string(raw),
		d.GrowthStage,
		nullString(d.ImagePath),
		nullFloat(d.Latitude),
		nullFloat(d.Longitude),
		d.Status,
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	d.ID = id
	s.touch()
	return nil
}

// LatestDetection returns the most recent detection or store.ErrNotFound.
func (s *Store) LatestDetection(ctx context.Context) (*models.DetectionEvent, error) {
	var (
		d        models.DetectionEvent
		ts       int64
		counts   string
		image    sql.NullString
		lat, lon sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+detectionColumns+` FROM detection_events
		 ORDER BY ts DESC, id DESC LIMIT 1`).
		Scan(&d.ID, &ts, &d.TotalDetections, &counts, &d.GrowthStage,
			&image, &lat, &lon, &d.Status)
	if noRows(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest detection: %w", err)
	}
	if err := json.Unmarshal([]byte(counts), &d.ClassCounts); err != nil {
		return nil, fmt.Errorf("decode class_counts of detection %d: %w", d.ID, err)
	}
	d.Timestamp = fromNanos(ts)
	d.ImagePath = stringPtr(image)
	d.Latitude = floatPtr(lat)
	d.Longitude = floatPtr(lon)
	return &d, nil
}
