package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

// DefaultDedupWindow is the half-width of the symmetric duplicate window.
const DefaultDedupWindow = 30 * time.Second

// Guard suppresses inserts of environmental and system records that repeat
// a record already stored within the window around their timestamp. The
// lookup and the insert happen in one store transaction.
type Guard struct {
	store  store.Store
	window time.Duration
	log    *slog.Logger
}

func NewGuard(st store.Store, window time.Duration, log *slog.Logger) *Guard {
	return &Guard{store: st, window: window, log: log}
}

// InsertEnvironmental stores r unless it duplicates an existing reading.
// It reports whether a row was written; a suppressed duplicate is not an error.
func (g *Guard) InsertEnvironmental(ctx context.Context, r *models.EnvironmentalReading) (bool, error) {
	err := g.store.InsertEnvironmentalUnique(ctx, r, g.window)
	return g.outcome(models.KindEnvironmental, r.Timestamp, err)
}

// InsertSystem stores m unless it duplicates an existing system record.
func (g *Guard) InsertSystem(ctx context.Context, m *models.SystemMetrics) (bool, error) {
	err := g.store.InsertSystemUnique(ctx, m, g.window)
	return g.outcome(models.KindSystem, m.Timestamp, err)
}

func (g *Guard) outcome(kind models.Kind, ts time.Time, err error) (bool, error) {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		duplicatesSuppressed.WithLabelValues(string(kind)).Inc()
		g.log.Warn("duplicate record suppressed",
			"kind", kind,
			"timestamp", ts,
			"window", g.window.String(),
		)
		return false, nil
	case err != nil:
		return false, err
	default:
		recordsStored.WithLabelValues(string(kind)).Inc()
		return true, nil
	}
}
