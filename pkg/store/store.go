// Package store defines the persistence contract consumed by the ingestion
// pipeline. Implementations live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
)

var (
	// ErrNotFound is returned by the Latest* lookups when the table is empty.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned by the Insert*Unique methods when a record with
	// the same comparison fields already exists inside the window.
	ErrDuplicate = errors.New("duplicate record within window")
)

// Store is the persistence contract. Every method is safe for concurrent use.
//
// The Insert*Unique methods perform the duplicate lookup and the insert as a
// single atomic step: two candidates racing for the same window cannot both
// be written.
type Store interface {
	InsertEnvironmental(ctx context.Context, r *models.EnvironmentalReading) error
	InsertEnvironmentalUnique(ctx context.Context, r *models.EnvironmentalReading, window time.Duration) error
	// FindRecentEnvironmental returns readings whose timestamp lies in
	// [around-window, around+window] and whose comparison fields equal match's.
	FindRecentEnvironmental(ctx context.Context, around time.Time, window time.Duration, match models.EnvironmentalReading) ([]models.EnvironmentalReading, error)
	LatestEnvironmental(ctx context.Context) (*models.EnvironmentalReading, error)
	UpdateEnvironmental(ctx context.Context, r *models.EnvironmentalReading) error
	// EnvironmentalSince returns readings at or after since, oldest first.
	EnvironmentalSince(ctx context.Context, since time.Time) ([]models.EnvironmentalReading, error)

	InsertSystem(ctx context.Context, m *models.SystemMetrics) error
	InsertSystemUnique(ctx context.Context, m *models.SystemMetrics, window time.Duration) error
	FindRecentSystem(ctx context.Context, around time.Time, window time.Duration, match models.SystemMetrics) ([]models.SystemMetrics, error)
	LatestSystem(ctx context.Context) (*models.SystemMetrics, error)
	UpdateSystem(ctx context.Context, m *models.SystemMetrics) error

	InsertDetection(ctx context.Context, d *models.DetectionEvent) error
	LatestDetection(ctx context.Context) (*models.DetectionEvent, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats is a point-in-time summary used by the ops endpoints and gauges.
type Stats struct {
	EnvironmentalRows int64 `json:"environmental_rows"`
	SystemRows        int64 `json:"system_rows"`
	DetectionRows     int64 `json:"detection_rows"`
	LastWriteUnix     int64 `json:"last_write_unix"`
	FileBytes         int64 `json:"file_bytes"`
}
