package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

const systemColumns = `id, ts, cpu_percent, ram_percent, ram_used_gb, ram_total_gb,
       storage_percent, storage_used_gb, storage_total_gb, network_sent_mb,
       network_recv_mb, load_1min, load_5min, load_15min, cpu_temp,
       battery_level, status`

const systemMatch = `ts BETWEEN ? AND ?
  AND cpu_percent IS ? AND ram_percent IS ? AND storage_percent IS ?`

func systemMatchArgs(around time.Time, window time.Duration, m models.SystemMetrics) []any {
	from, to := windowBounds(around, window)
	return []any{
		from, to,
		nullFloat(m.CPUPercent), nullFloat(m.RAMPercent), nullFloat(m.StoragePercent),
	}
}

// systemValues lists the mutable columns in systemColumns order, minus id.
func systemValues(m *models.SystemMetrics) []any {
	return []any{
		m.Timestamp.UnixNano(),
		nullFloat(m.CPUPercent),
		nullFloat(m.RAMPercent),
		nullFloat(m.RAMUsedGB),
		nullFloat(m.RAMTotalGB),
		nullFloat(m.StoragePercent),
		nullFloat(m.StorageUsedGB),
		nullFloat(m.StorageTotalGB),
		nullFloat(m.NetworkSentMB),
		nullFloat(m.NetworkRecvMB),
		nullFloat(m.Load1Min),
		nullFloat(m.Load5Min),
		nullFloat(m.Load15Min),
		nullFloat(m.CPUTemp),
		nullFloat(m.BatteryLevel),
		m.Status,
	}
}

func insertSystem(ctx context.Context, q querier, m *models.SystemMetrics) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO system_metrics
		    (ts, cpu_percent, ram_percent, ram_used_gb, ram_total_gb,
		     storage_percent, storage_used_gb, storage_total_gb, network_sent_mb,
		     network_recv_mb, load_1min, load_5min, load_15min, cpu_temp,
		     battery_level, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		systemValues(m)...,
	)
	if err != nil {
		return fmt.Errorf("insert system: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert system: %w", err)
	}
	m.ID = id
	return nil
}

// InsertSystem persists m unconditionally and sets m.ID.
func (s *Store) InsertSystem(ctx context.Context, m *models.SystemMetrics) error {
	if err := insertSystem(ctx, s.db, m); err != nil {
		return err
	}
	s.touch()
	return nil
}

// InsertSystemUnique persists m unless a row with the same cpu, ram and
// storage percentages exists within window of m.Timestamp.
func (s *Store) InsertSystemUnique(ctx context.Context, m *models.SystemMetrics, window time.Duration) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM system_metrics WHERE `+systemMatch+`)`,
			systemMatchArgs(m.Timestamp, window, *m)...,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check duplicate system: %w", err)
		}
		if exists {
			return store.ErrDuplicate
		}
		return insertSystem(ctx, tx, m)
	})
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

// FindRecentSystem returns rows matching the percentages of match within
// window of around, oldest first.
func (s *Store) FindRecentSystem(ctx context.Context, around time.Time, window time.Duration, match models.SystemMetrics) ([]models.SystemMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+systemColumns+` FROM system_metrics
		 WHERE `+systemMatch+` ORDER BY ts, id`,
		systemMatchArgs(around, window, match)...)
	if err != nil {
		return nil, fmt.Errorf("query system: %w", err)
	}
	defer rows.Close()

	var out []models.SystemMetrics
	for rows.Next() {
		m, err := scanSystem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan system: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestSystem returns the most recent row or store.ErrNotFound.
func (s *Store) LatestSystem(ctx context.Context) (*models.SystemMetrics, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+systemColumns+` FROM system_metrics ORDER BY ts DESC, id DESC LIMIT 1`)
	m, err := scanSystem(row)
	if noRows(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest system: %w", err)
	}
	return &m, nil
}

// UpdateSystem rewrites every column of the row identified by m.ID.
func (s *Store) UpdateSystem(ctx context.Context, m *models.SystemMetrics) error {
	args := append(systemValues(m), m.ID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_metrics
		 SET ts = ?, cpu_percent = ?, ram_percent = ?, ram_used_gb = ?, ram_total_gb = ?,
		     storage_percent = ?, storage_used_gb = ?, storage_total_gb = ?,
		     network_sent_mb = ?, network_recv_mb = ?, load_1min = ?, load_5min = ?,
		     load_15min = ?, cpu_temp = ?, battery_level = ?, status = ?
		 WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update system %d: %w", m.ID, err)
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("update system %d: %w", m.ID, err)
	}
	s.touch()
	return nil
}

func scanSystem(sc scanner) (models.SystemMetrics, error) {
	var (
		m                                  models.SystemMetrics
		ts                                 int64
		cpu, ram, ramUsed, ramTotal        sql.NullFloat64
		storage, storageUsed, storageTotal sql.NullFloat64
		sent, recv, load1, load5, load15   sql.NullFloat64
		cpuTemp, battery                   sql.NullFloat64
	)
	err := sc.Scan(&m.ID, &ts, &cpu, &ram, &ramUsed, &ramTotal,
		&storage, &storageUsed, &storageTotal, &sent, &recv,
		&load1, &load5, &load15, &cpuTemp, &battery, &m.Status)
	if err != nil {
		return models.SystemMetrics{}, err
	}
	m.Timestamp = fromNanos(ts)
	m.CPUPercent = floatPtr(cpu)
	m.RAMPercent = floatPtr(ram)
	m.RAMUsedGB = floatPtr(ramUsed)
	m.RAMTotalGB = floatPtr(ramTotal)
	m.StoragePercent = floatPtr(storage)
	m.StorageUsedGB = floatPtr(storageUsed)
	m.StorageTotalGB = floatPtr(storageTotal)
	m.NetworkSentMB = floatPtr(sent)
	m.NetworkRecvMB = floatPtr(recv)
	m.Load1Min = floatPtr(load1)
	m.Load5Min = floatPtr(load5)
	m.Load15Min = floatPtr(load15)
	m.CPUTemp = floatPtr(cpuTemp)
	m.BatteryLevel = floatPtr(battery)
	return m, nil
}
