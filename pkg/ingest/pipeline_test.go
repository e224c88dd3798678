package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimk/fieldwatch/pkg/models"
	"github.com/alimk/fieldwatch/pkg/store"
	"github.com/alimk/fieldwatch/pkg/store/sqlite"
)

var t0 = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the pipeline under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPipeline(t *testing.T) (*Pipeline, *sqlite.Store, *clock) {
	t.Helper()
	st := newTestStore(t)
	c := &clock{now: t0}
	p := NewPipeline(st, Options{Now: c.Now}, discardLogger())
	return p, st, c
}

func rowCounts(t *testing.T, st store.Store) store.Stats {
	t.Helper()
	s, err := st.Stats(context.Background())
	require.NoError(t, err)
	return s
}

// ---------------------------------------------------------------------------
// Environmental
// ---------------------------------------------------------------------------

func TestEnvironmentalDuplicatesSuppressedInsideWindow(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()
	payload := []byte(`{"temperature":28.4,"humidity":81,"rainfall":0,"thunder":0,"pest_count":4}`)

	p.Route(ctx, "alat/data", payload)
	c.Set(t0.Add(10 * time.Second))
	p.Route(ctx, "alat/data", payload)
	c.Set(t0.Add(30 * time.Second))
	p.Route(ctx, "alat/data", payload)
	assert.EqualValues(t, 1, rowCounts(t, st).EnvironmentalRows)

	c.Set(t0.Add(31 * time.Second))
	p.Route(ctx, "alat/data", payload)
	assert.EqualValues(t, 2, rowCounts(t, st).EnvironmentalRows)
}

func TestEnvironmentalDifferentValuesBothStored(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data", []byte(`{"temperature":28.4,"humidity":81}`))
	p.Route(ctx, "alat/data", []byte(`{"temperature":28.5,"humidity":81}`))
	assert.EqualValues(t, 2, rowCounts(t, st).EnvironmentalRows)
}

func TestEnvironmentalBatterySplit(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data", []byte(`{"temperature":30,"humidity":70,"status":"Solar","battery_level":77.5,"latitude":-6.2,"longitude":106.8}`))

	r, err := st.LatestEnvironmental(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Solar", r.Status)
	assert.True(t, r.HasLocation())
	assert.WithinDuration(t, t0, r.Timestamp, 0)

	m, err := st.LatestSystem(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.BatteryLevel)
	assert.Equal(t, 77.5, *m.BatteryLevel)
	assert.Equal(t, "Solar", m.Status)
	assert.WithinDuration(t, t0, m.Timestamp, 0)
	assert.Nil(t, m.CPUPercent)
}

func TestEnvironmentalBatteryStoredWhenReadingIsDuplicate(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data", []byte(`{"temperature":30,"humidity":70}`))
	c.Set(t0.Add(5 * time.Second))
	p.Route(ctx, "alat/data", []byte(`{"temperature":30,"humidity":70,"battery_level":64}`))

	s := rowCounts(t, st)
	assert.EqualValues(t, 1, s.EnvironmentalRows)
	assert.EqualValues(t, 1, s.SystemRows)
}

func TestInvalidEnvironmentalWritesNothing(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data", []byte(`{"temperature":30,"humidity":150,"battery_level":80}`))
	p.Route(ctx, "alat/data", []byte(`{"temperature":-60}`))
	p.Route(ctx, "alat/data", []byte(`{"temperature":30,"latitude":91}`))

	s := rowCounts(t, st)
	assert.Zero(t, s.EnvironmentalRows)
	assert.Zero(t, s.SystemRows)
}

func TestMalformedPayloadsWriteNothing(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	for _, topic := range DefaultTopics().All() {
		for _, payload := range []string{
			`{"temperature":`,
			`[1,2,3]`,
			`"hello"`,
			`null`,
			``,
		} {
			p.Route(ctx, topic, []byte(payload))
		}
	}
	p.Route(ctx, "alat/data", []byte(`{"temperature":"hot"}`))
	p.Route(ctx, "alat/data/cpu", []byte(`{"cpu_percent":"busy"}`))

	s := rowCounts(t, st)
	assert.Zero(t, s.EnvironmentalRows)
	assert.Zero(t, s.SystemRows)
	assert.Zero(t, s.DetectionRows)
}

func TestUnknownTopicIgnored(t *testing.T) {
	p, st, _ := newTestPipeline(t)

	p.Route(context.Background(), "alat/data/unknown", []byte(`{"temperature":30}`))
	assert.Zero(t, rowCounts(t, st).EnvironmentalRows)
}

func TestUnknownKeysIgnored(t *testing.T) {
	p, st, _ := newTestPipeline(t)

	p.Route(context.Background(), "alat/data", []byte(`{"temperature":30,"firmware":"1.2.0"}`))
	assert.EqualValues(t, 1, rowCounts(t, st).EnvironmentalRows)
}

// ---------------------------------------------------------------------------
// System and sub-reports
// ---------------------------------------------------------------------------

func TestSystemReportStored(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data/system", []byte(`{"cpu_percent":12.5,"ram_percent":40,"storage_percent":55,"load_1min":0.4}`))
	m, err := st.LatestSystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, *m.CPUPercent)
	assert.Equal(t, 0.4, *m.Load1Min)
	assert.Equal(t, models.DefaultStatus, m.Status)

	p.Route(ctx, "alat/data/system", []byte(`{"cpu_percent":101}`))
	assert.EqualValues(t, 1, rowCounts(t, st).SystemRows)
}

func TestSubReportsMergeInsideWindow(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data/cpu", []byte(`{"cpu_percent":35,"cpu_temp":61.2}`))
	c.Set(t0.Add(20 * time.Second))
	p.Route(ctx, "alat/data/ram", []byte(`{"ram_percent":48,"ram_used_gb":1.9,"ram_total_gb":4}`))
	c.Set(t0.Add(59 * time.Second))
	p.Route(ctx, "alat/data/storage", []byte(`{"storage_percent":71}`))

	assert.EqualValues(t, 1, rowCounts(t, st).SystemRows)
	m, err := st.LatestSystem(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, t0, m.Timestamp, 0)
	assert.Equal(t, 35.0, *m.CPUPercent)
	assert.Equal(t, 61.2, *m.CPUTemp)
	assert.Equal(t, 48.0, *m.RAMPercent)
	assert.Equal(t, 4.0, *m.RAMTotalGB)
	assert.Equal(t, 71.0, *m.StoragePercent)
}

func TestSubReportAfterWindowStartsNewRecord(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data/cpu", []byte(`{"cpu_percent":35}`))
	c.Set(t0.Add(61 * time.Second))
	p.Route(ctx, "alat/data/ram", []byte(`{"ram_percent":48}`))

	assert.EqualValues(t, 2, rowCounts(t, st).SystemRows)
	m, err := st.LatestSystem(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, t0.Add(61*time.Second), m.Timestamp, 0)
	assert.Nil(t, m.CPUPercent)
	assert.Equal(t, 48.0, *m.RAMPercent)
}

func TestSubReportOverwritesStatus(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data/cpu", []byte(`{"cpu_percent":35,"status":"Degraded"}`))
	c.Set(t0.Add(5 * time.Second))
	p.Route(ctx, "alat/data/ram", []byte(`{"ram_percent":48}`))

	m, err := st.LatestSystem(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultStatus, m.Status)
	assert.Equal(t, 35.0, *m.CPUPercent)
}

func TestInvalidSubReportLeavesRecordUntouched(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data/cpu", []byte(`{"cpu_percent":35}`))
	c.Set(t0.Add(5 * time.Second))
	p.Route(ctx, "alat/data/ram", []byte(`{"ram_percent":150}`))

	m, err := st.LatestSystem(ctx)
	require.NoError(t, err)
	assert.Nil(t, m.RAMPercent)
	assert.EqualValues(t, 1, rowCounts(t, st).SystemRows)
}

func TestSubReportAgainstFutureRecord(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	// A record stamped ahead of the clock is not fresh, and a partial
	// repeating its percentages falls inside the duplicate window.
	require.NoError(t, st.InsertSystem(ctx, &models.SystemMetrics{
		Timestamp:  t0.Add(10 * time.Second),
		CPUPercent: models.Ptr(35.0),
		Status:     models.DefaultStatus,
	}))

	outcome, err := p.merger.Merge(ctx, models.CPUReport{CPUPercent: models.Ptr(35.0)})
	require.NoError(t, err)
	assert.Equal(t, MergeDuplicate, outcome)

	outcome, err = p.merger.Merge(ctx, models.CPUReport{CPUPercent: models.Ptr(36.0)})
	require.NoError(t, err)
	assert.Equal(t, MergeCreated, outcome)
	assert.EqualValues(t, 2, rowCounts(t, st).SystemRows)
}

func TestConcurrentSubReportsKeepEveryField(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data/cpu", []byte(`{"cpu_percent":35}`))
	c.Set(t0.Add(2 * time.Second))

	payloads := map[string]string{
		"alat/data/ram":     `{"ram_percent":48}`,
		"alat/data/storage": `{"storage_percent":71}`,
		"alat/data/cpu":     `{"cpu_temp":60}`,
	}
	var wg sync.WaitGroup
	for topic, body := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Route(ctx, topic, []byte(body))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, rowCounts(t, st).SystemRows)
	m, err := st.LatestSystem(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.CPUPercent)
	require.NotNil(t, m.RAMPercent)
	require.NotNil(t, m.StoragePercent)
	require.NotNil(t, m.CPUTemp)
	assert.Equal(t, 35.0, *m.CPUPercent)
}

// ---------------------------------------------------------------------------
// Detection
// ---------------------------------------------------------------------------

func TestDetectionSyncsPestCount(t *testing.T) {
	p, st, c := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data", []byte(`{"temperature":30,"pest_count":3}`))
	c.Set(t0.Add(time.Minute))
	p.Route(ctx, "alat/data/detection", []byte(`{"total_detections":7,"class_counts":{"wereng":5,"walang":2},"image_path":"/img/1.jpg"}`))

	r, err := st.LatestEnvironmental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, r.PestCount)

	d, err := st.LatestDetection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, d.TotalDetections)
	assert.Equal(t, map[string]int{"wereng": 5, "walang": 2}, d.ClassCounts)
	assert.Equal(t, models.DefaultGrowthStage, d.GrowthStage)
	assert.Equal(t, models.DefaultDetectionStatus, d.Status)
}

func TestDetectionWithoutEnvironmentalStillStored(t *testing.T) {
	p, st, _ := newTestPipeline(t)

	p.Route(context.Background(), "alat/data/detection", []byte(`{"total_detections":2}`))
	s := rowCounts(t, st)
	assert.EqualValues(t, 1, s.DetectionRows)
	assert.Zero(t, s.EnvironmentalRows)
}

func TestInvalidDetectionRejected(t *testing.T) {
	p, st, _ := newTestPipeline(t)

	p.Route(context.Background(), "alat/data/detection", []byte(`{"total_detections":-1}`))
	p.Route(context.Background(), "alat/data/detection", []byte(`{"total_detections":1,"class_counts":{"wereng":-1}}`))
	assert.Zero(t, rowCounts(t, st).DetectionRows)
}
