package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"

	"github.com/alimk/fieldwatch/pkg/models"
)

func TestFindDuplicates(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	add := func(offset time.Duration, temp float64) int64 {
		r := &models.EnvironmentalReading{
			Timestamp:   t0.Add(offset),
			Temperature: models.Ptr(temp),
			Humidity:    models.Ptr(80.0),
			Status:      models.DefaultStatus,
		}
		require.NoError(t, st.InsertEnvironmental(ctx, r))
		return r.ID
	}
	first := add(100*time.Millisecond, 28)
	add(500*time.Millisecond, 29)
	second := add(900*time.Millisecond, 28)
	add(1200*time.Millisecond, 28)
	add(-time.Hour, 28)

	groups, err := FindDuplicates(ctx, p.store, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{first, second}, groups[0].IDs())
	assert.True(t, groups[0].Second.Equal(t0))

	// Read-only.
	assert.EqualValues(t, 5, rowCounts(t, st).EnvironmentalRows)
}

func TestFindDuplicatesEmpty(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	groups, err := FindDuplicates(context.Background(), p.store, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRefreshStoreGauges(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()

	p.Route(ctx, "alat/data", []byte(`{"temperature":30,"battery_level":90}`))
	p.Route(ctx, "alat/data/detection", []byte(`{"total_detections":1}`))

	s, err := RefreshStoreGauges(ctx, st)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.EnvironmentalRows)
	assert.EqualValues(t, 1, s.SystemRows)
	assert.EqualValues(t, 1, s.DetectionRows)

	assert.Equal(t, 1.0, gaugeValue(t, storeRows.WithLabelValues("environmental")))
	assert.Equal(t, 1.0, gaugeValue(t, storeRows.WithLabelValues("detection")))
	assert.Equal(t, float64(s.LastWriteUnix), gaugeValue(t, lastWrite))
	assert.NotZero(t, s.LastWriteUnix)
}
