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

// Synchronizer mirrors the latest detection count onto environmental
// readings' pest_count. Sync and Resync are serialized so a resync never
// writes a count older than one synced while it ran.
type Synchronizer struct {
	mu    sync.Mutex
	store store.Store
	now   func() time.Time
	log   *slog.Logger
}

func NewSynchronizer(st store.Store, now func() time.Time, log *slog.Logger) *Synchronizer {
	return &Synchronizer{store: st, now: now, log: log}
}

// Sync sets the latest environmental reading's pest_count to total. It
// writes only when the value differs and does nothing when no reading
// exists yet. It reports whether a row was updated.
func (s *Synchronizer) Sync(ctx context.Context, total int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.store.LatestEnvironmental(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load latest environmental: %w", err)
	}
	return s.apply(ctx, latest, total)
}

// Resync applies the latest detection's count to the latest environmental
// reading and to every reading stamped within window of now. It returns how
// many rows changed. With no detection stored it is a no-op.
func (s *Synchronizer) Resync(ctx context.Context, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	det, err := s.store.LatestDetection(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load latest detection: %w", err)
	}

	recent, err := s.store.EnvironmentalSince(ctx, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("load recent environmental: %w", err)
	}
	latest, err := s.store.LatestEnvironmental(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("load latest environmental: %w", err)
	default:
		recent = append(recent, *latest)
	}

	seen := make(map[int64]struct{}, len(recent))
	updated := 0
	for i := range recent {
		r := &recent[i]
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		changed, err := s.apply(ctx, r, det.TotalDetections)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}
	s.log.Info("pest count resync finished",
		"detection_id", det.ID,
		"total_detections", det.TotalDetections,
		"updated", updated,
	)
	return updated, nil
}

func (s *Synchronizer) apply(ctx context.Context, r *models.EnvironmentalReading, total int) (bool, error) {
	if r.PestCount == total {
		return false, nil
	}
	old := r.PestCount
	r.PestCount = total
	if err := s.store.UpdateEnvironmental(ctx, r); err != nil {
		return false, fmt.Errorf("update pest_count: %w", err)
	}
	pestCountSyncs.Inc()
	s.log.Info("pest count synced", "id", r.ID, "from", old, "to", total)
	return true, nil
}
