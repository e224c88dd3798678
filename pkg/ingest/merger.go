package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

// DefaultMergeWindow is how long a SystemMetrics record accepts sub-reports.
const DefaultMergeWindow = 60 * time.Second

// MergeOutcome says what a sub-report did to the store.
type MergeOutcome string

const (
	MergeUpdated   MergeOutcome = "merged"
	MergeCreated   MergeOutcome = "created"
	MergeDuplicate MergeOutcome = "duplicate"
)

// Merger folds CPU, RAM and storage sub-reports into the most recent
// SystemMetrics record while it is fresh. The read-modify-write runs under
// mu, so two sub-reports never update the same snapshot.
type Merger struct {
	mu     sync.Mutex
	store  store.Store
	guard  *Guard
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

func NewMerger(st store.Store, guard *Guard, window time.Duration, now func() time.Time, log *slog.Logger) *Merger {
	return &Merger{store: st, guard: guard, window: window, now: now, log: log}
}

// fresh reports whether a record stamped ts still accepts sub-reports at now.
// A record stamped in the future is never fresh.
func (m *Merger) fresh(ts, now time.Time) bool {
	age := now.Sub(ts)
	return age >= 0 && age < m.window
}

// Merge applies r. The merged or new record is validated before anything is
// written; a validation failure leaves the store untouched.
func (m *Merger) Merge(ctx context.Context, r models.SubReport) (MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	latest, err := m.store.LatestSystem(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load latest system: %w", err)
	}

	if latest != nil && m.fresh(latest.Timestamp, now) {
		merged := *latest
		r.Apply(&merged)
		if err := merged.Validate(); err != nil {
			return "", err
		}
		if err := m.store.UpdateSystem(ctx, &merged); err != nil {
			return "", fmt.Errorf("merge %s: %w", r.Category(), err)
		}
		subReportsMerged.WithLabelValues(r.Category(), string(MergeUpdated)).Inc()
		m.log.Debug("sub-report merged", "category", r.Category(), "id", merged.ID)
		return MergeUpdated, nil
	}

	rec := BuildPartial(r, now)
	if err := rec.Validate(); err != nil {
		return "", err
	}
	inserted, err := m.guard.InsertSystem(ctx, &rec)
	if err != nil {
		return "", fmt.Errorf("create from %s: %w", r.Category(), err)
	}
	if !inserted {
		subReportsMerged.WithLabelValues(r.Category(), string(MergeDuplicate)).Inc()
		return MergeDuplicate, nil
	}
	subReportsMerged.WithLabelValues(r.Category(), string(MergeCreated)).Inc()
	m.log.Debug("system record started", "category", r.Category(), "id", rec.ID)
	return MergeCreated, nil
}
