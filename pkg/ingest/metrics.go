package ingest

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alimk/fieldwatch/pkg/store"
)

// ---------------------------------------------------------------------------
// Pipeline metrics
// ---------------------------------------------------------------------------

var (
	messagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_messages_handled_total",
		Help: "Messages processed to completion, by handler.",
	}, []string{"handler"})
	messagesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldwatch_messages_ignored_total",
		Help: "Messages on topics with no registered handler.",
	})
	messagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_messages_rejected_total",
		Help: "Messages dropped before persistence, by handler and reason (decode, validation).",
	}, []string{"handler", "reason"})
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_store_errors_total",
		Help: "Messages dropped because a store call failed, by handler.",
	}, []string{"handler"})
	recordsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_records_stored_total",
		Help: "Records inserted, by kind.",
	}, []string{"kind"})
	duplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_duplicates_suppressed_total",
		Help: "Inserts skipped because a matching record exists inside the dedup window, by kind.",
	}, []string{"kind"})
	subReportsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldwatch_subreports_total",
		Help: "System sub-reports by category and outcome (merged, created, duplicate).",
	}, []string{"category", "outcome"})
	pestCountSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldwatch_pest_count_syncs_total",
		Help: "Environmental rows whose pest_count was rewritten from a detection.",
	})
)

// ---------------------------------------------------------------------------
// Queue metrics
// ---------------------------------------------------------------------------

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldwatch_queue_depth",
		Help: "Messages waiting in the processing queue.",
	})
	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldwatch_queue_dropped_total",
		Help: "Messages dropped because the queue was full.",
	})
)

// ---------------------------------------------------------------------------
// Store gauges
// ---------------------------------------------------------------------------

var (
	storeRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldwatch_store_rows",
		Help: "Rows per record kind at the last stats refresh.",
	}, []string{"kind"})
	lastWrite = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldwatch_last_write_timestamp_seconds",
		Help: "Unix time of the most recent write to the store.",
	})
	storeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldwatch_store_size_bytes",
		Help: "On-disk size of the store, 0 when unknown.",
	})
)

// RefreshStoreGauges copies st.Stats into the store gauges.
func RefreshStoreGauges(ctx context.Context, st store.Store) (store.Stats, error) {
	s, err := st.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	storeRows.WithLabelValues("environmental").Set(float64(s.EnvironmentalRows))
	storeRows.WithLabelValues("system").Set(float64(s.SystemRows))
	storeRows.WithLabelValues("detection").Set(float64(s.DetectionRows))
	lastWrite.Set(float64(s.LastWriteUnix))
	storeBytes.Set(float64(s.FileBytes))
	return s, nil
}
