// Package postgres implements store.Store on PostgreSQL through gorm, for
// deployments where several ingesters share one database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is a gorm-backed store. Duplicate checks are serialised across
// processes with a transaction-scoped advisory lock per record kind.
type Store struct {
	db        *gorm.DB
	lastWrite atomic.Int64
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// DefaultOptions are used by Open.
var DefaultOptions = Options{
	MaxOpenConns:    20,
	MaxIdleConns:    5,
	ConnMaxLifetime: time.Hour,
	LogLevel:        logger.Warn,
}

// Open connects to dsn with DefaultOptions and migrates the schema.
func Open(dsn string) (*Store, error) {
	return OpenWithOptions(dsn, DefaultOptions)
}

// OpenWithOptions connects to dsn and migrates the schema.
func OpenWithOptions(dsn string, opts Options) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(opts.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.EnvironmentalReading{}, &models.SystemMetrics{}, &models.DetectionEvent{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadLastWrite(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLastWrite() error {
	var last sql.NullTime
	err := s.db.Raw(`
SELECT MAX(ts) FROM (
    SELECT MAX(ts) AS ts FROM environmental_readings
    UNION ALL SELECT MAX(ts) FROM system_metrics
    UNION ALL SELECT MAX(ts) FROM detection_events
) t`).Row().Scan(&last)
	if err != nil {
		return fmt.Errorf("load last write: %w", err)
	}
	if last.Valid {
		s.lastWrite.Store(last.Time.Unix())
	}
	return nil
}

func (s *Store) touch() {
	s.lastWrite.Store(time.Now().Unix())
}

// lockKind takes a transaction-scoped advisory lock so that concurrent
// duplicate checks for the same kind run one at a time, cluster-wide.
func lockKind(tx *gorm.DB, kind models.Kind) error {
	if err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext(?))`, "fieldwatch:"+string(kind)).Error; err != nil {
		return fmt.Errorf("lock %s: %w", kind, err)
	}
	return nil
}

// within restricts a query to rows whose ts lies in [around-window, around+window].
func within(around time.Time, window time.Duration) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("ts BETWEEN ? AND ?", around.Add(-window), around.Add(window))
	}
}

func sameEnvironmental(m models.EnvironmentalReading) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.
			Where("temperature IS NOT DISTINCT FROM ?", m.Temperature).
			Where("humidity IS NOT DISTINCT FROM ?", m.Humidity).
			Where("rainfall IS NOT DISTINCT FROM ?", m.Rainfall).
			Where("thunder = ? AND pest_count = ?", m.Thunder, m.PestCount)
	}
}

func sameSystem(m models.SystemMetrics) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.
			Where("cpu_percent IS NOT DISTINCT FROM ?", m.CPUPercent).
			Where("ram_percent IS NOT DISTINCT FROM ?", m.RAMPercent).
			Where("storage_percent IS NOT DISTINCT FROM ?", m.StoragePercent)
	}
}

// ---------------------------------------------------------------------------
// Environmental readings
// ---------------------------------------------------------------------------

func (s *Store) InsertEnvironmental(ctx context.Context, r *models.EnvironmentalReading) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("insert environmental: %w", err)
	}
	s.touch()
	return nil
}

func (s *Store) InsertEnvironmentalUnique(ctx context.Context, r *models.EnvironmentalReading, window time.Duration) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKind(tx, models.KindEnvironmental); err != nil {
			return err
		}
		var n int64
		err := tx.Model(&models.EnvironmentalReading{}).
			Scopes(within(r.Timestamp, window), sameEnvironmental(*r)).
			Count(&n).Error
		if err != nil {
			return fmt.Errorf("check duplicate environmental: %w", err)
		}
		if n > 0 {
			return store.ErrDuplicate
		}
		if err := tx.Create(r).Error; err != nil {
			return fmt.Errorf("insert environmental: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Store) FindRecentEnvironmental(ctx context.Context, around time.Time, window time.Duration, match models.EnvironmentalReading) ([]models.EnvironmentalReading, error) {
	var out []models.EnvironmentalReading
	err := s.db.WithContext(ctx).
		Scopes(within(around, window), sameEnvironmental(match)).
		Order("ts, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query environmental: %w", err)
	}
	return out, nil
}

func (s *Store) LatestEnvironmental(ctx context.Context) (*models.EnvironmentalReading, error) {
	var r models.EnvironmentalReading
	if err := latest(ctx, s.db, &r); err != nil {
		return nil, fmt.Errorf("latest environmental: %w", err)
	}
	return &r, nil
}

func (s *Store) UpdateEnvironmental(ctx context.Context, r *models.EnvironmentalReading) error {
	if err := updateAll(ctx, s.db, r); err != nil {
		return fmt.Errorf("update environmental %d: %w", r.ID, err)
	}
	s.touch()
	return nil
}

func (s *Store) EnvironmentalSince(ctx context.Context, since time.Time) ([]models.EnvironmentalReading, error) {
	var out []models.EnvironmentalReading
	err := s.db.WithContext(ctx).Where("ts >= ?", since).Order("ts, id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query environmental: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// System metrics
// ---------------------------------------------------------------------------

func (s *Store) InsertSystem(ctx context.Context, m *models.SystemMetrics) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("insert system: %w", err)
	}
	s.touch()
	return nil
}

func (s *Store) InsertSystemUnique(ctx context.Context, m *models.SystemMetrics, window time.Duration) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKind(tx, models.KindSystem); err != nil {
			return err
		}
		var n int64
		err := tx.Model(&models.SystemMetrics{}).
			Scopes(within(m.Timestamp, window), sameSystem(*m)).
			Count(&n).Error
		if err != nil {
			return fmt.Errorf("check duplicate system: %w", err)
		}
		if n > 0 {
			return store.ErrDuplicate
		}
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("insert system: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Store) FindRecentSystem(ctx context.Context, around time.Time, window time.Duration, match models.SystemMetrics) ([]models.SystemMetrics, error) {
	var out []models.SystemMetrics
	err := s.db.WithContext(ctx).
		Scopes(within(around, window), sameSystem(match)).
		Order("ts, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query system: %w", err)
	}
	return out, nil
}

func (s *Store) LatestSystem(ctx context.Context) (*models.SystemMetrics, error) {
	var m models.SystemMetrics
	if err := latest(ctx, s.db, &m); err != nil {
		return nil, fmt.Errorf("latest system: %w", err)
	}
	return &m, nil
}

func (s *Store) UpdateSystem(ctx context.Context, m *models.SystemMetrics) error {
	if err := updateAll(ctx, s.db, m); err != nil {
		return fmt.Errorf("update system %d: %w", m.ID, err)
	}
	s.touch()
	return nil
}

// ---------------------------------------------------------------------------
// Detection events
// ---------------------------------------------------------------------------

func (s *Store) InsertDetection(ctx context.Context, d *models.DetectionEvent) error {
	if d.ClassCounts == nil {
		d.ClassCounts = map[string]int{}
	}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	s.touch()
	return nil
}

func (s *Store) LatestDetection(ctx context.Context) (*models.DetectionEvent, error) {
	var d models.DetectionEvent
	if err := latest(ctx, s.db, &d); err != nil {
		return nil, fmt.Errorf("latest detection: %w", err)
	}
	return &d, nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// latest loads the newest row of dest's table into dest.
func latest(ctx context.Context, db *gorm.DB, dest any) error {
	err := db.WithContext(ctx).Order("ts DESC, id DESC").Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

// updateAll writes every column of record, zero values included, and reports
// store.ErrNotFound when no row carries its primary key.
func updateAll(ctx context.Context, db *gorm.DB, record any) error {
	res := db.WithContext(ctx).Model(record).Select("*").Omit("id").Updates(record)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.WithContext(ctx).Raw(`
SELECT (SELECT COUNT(*) FROM environmental_readings) AS environmental_rows,
       (SELECT COUNT(*) FROM system_metrics)         AS system_rows,
       (SELECT COUNT(*) FROM detection_events)       AS detection_rows,
       pg_database_size(current_database())          AS file_bytes`).
		Scan(&st).Error
	if err != nil {
		return store.Stats{}, fmt.Errorf("count rows: %w", err)
	}
	st.LastWriteUnix = s.lastWrite.Load()
	return st, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
