package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
)

// openTestStore connects to the database named by FIELDWATCH_TEST_POSTGRES_DSN
// and empties the tables. Tests are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FIELDWATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FIELDWATCH_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.db.Exec(
		`TRUNCATE environmental_readings, system_metrics, detection_events RESTART IDENTITY`).Error)
	return s
}

func TestPostgresUniqueInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := &models.EnvironmentalReading{Timestamp: now, Temperature: models.Ptr(30.0), PestCount: 2, Status: "Online"}
	require.NoError(t, s.InsertEnvironmentalUnique(ctx, r, 30*time.Second))
	require.NotZero(t, r.ID)

	dup := &models.EnvironmentalReading{Timestamp: now.Add(20 * time.Second), Temperature: models.Ptr(30.0), PestCount: 2, Status: "Online"}
	require.ErrorIs(t, s.InsertEnvironmentalUnique(ctx, dup, 30*time.Second), store.ErrDuplicate)

	// Humidity present on one side only.
	other := &models.EnvironmentalReading{Timestamp: now, Temperature: models.Ptr(30.0), Humidity: models.Ptr(70.0), PestCount: 2, Status: "Online"}
	require.NoError(t, s.InsertEnvironmentalUnique(ctx, other, 30*time.Second))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, st.EnvironmentalRows)
	require.Positive(t, st.FileBytes)
}

func TestPostgresConcurrentUniqueInserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			m := &models.SystemMetrics{Timestamp: now.Add(time.Duration(i) * time.Millisecond), CPUPercent: models.Ptr(15.0), Status: "Online"}
			err := s.InsertSystemUnique(ctx, m, 30*time.Second)
			if err != nil && !errors.Is(err, store.ErrDuplicate) {
				t.Errorf("insert %d: %v", i, err)
				return
			}
			if err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, oks)
}

func TestPostgresLatestAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestSystem(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	m := &models.SystemMetrics{Timestamp: time.Now().UTC(), CPUPercent: models.Ptr(12.0), Status: "Online"}
	require.NoError(t, s.InsertSystem(ctx, m))
	m.RAMPercent = models.Ptr(48.0)
	m.Status = "Degraded"
	require.NoError(t, s.UpdateSystem(ctx, m))

	got, err := s.LatestSystem(ctx)
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, 48.0, *got.RAMPercent)
	require.Equal(t, "Degraded", got.Status)

	missing := &models.SystemMetrics{ID: 424242, Timestamp: time.Now(), Status: "Online"}
	require.ErrorIs(t, s.UpdateSystem(ctx, missing), store.ErrNotFound)
}

func TestPostgresDetectionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := &models.DetectionEvent{
		Timestamp:       time.Now().UTC(),
		TotalDetections: 4,
		ClassCounts:     map[string]int{"wereng_coklat": 4},
		GrowthStage:     models.DefaultGrowthStage,
		Status:          models.DefaultDetectionStatus,
	}
	require.NoError(t, s.InsertDetection(ctx, d))

	got, err := s.LatestDetection(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, got.ClassCounts["wereng_coklat"])
	require.Nil(t, got.ImagePath)
}
