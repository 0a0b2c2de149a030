package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeLoadDuration   *prometheus.HistogramVec
	storeAppendDuration *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec

	// Repository metrics
	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Snapshot metrics
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
	snapshotSaveFailures *prometheus.CounterVec
	snapshotsDiscarded   *prometheus.CounterVec

	// Reader metrics
	readerEventDuration *prometheus.HistogramVec
	readerEvents        *prometheus.CounterVec
	readerSkipped       *prometheus.CounterVec
	readerReconnects    *prometheus.CounterVec
	readerLag           *prometheus.GaugeVec

	projectionEvents *prometheus.CounterVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	return newESMetrics(reg)
}

func newESMetrics(reg prometheus.Registerer) *esMetrics {
	m := &esMetrics{
		storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_es_store_load_duration_seconds",
			Help:    "Event store load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_es_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_es_repo_load_duration_seconds",
			Help:    "Repository load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_es_repo_save_duration_seconds",
			Help:    "Repository save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, []string{"aggregate_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_snapshot_cache_hits_total",
			Help: "Total number of snapshot cache hits",
		}, []string{"aggregate_type"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_snapshot_cache_misses_total",
			Help: "Total number of snapshot cache misses",
		}, []string{"aggregate_type"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_es_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotSaveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_snapshot_save_failures_total",
			Help: "Total number of snapshot writes that failed",
		}, []string{"aggregate_type"}),

		snapshotsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_snapshots_discarded_total",
			Help: "Total number of stale snapshots ignored on load",
		}, []string{"aggregate_type"}),

		readerEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_es_reader_event_duration_seconds",
			Help:    "Event handling time of readers in seconds",
			Buckets: defaultBuckets,
		}, []string{"event_type", "live"}),

		readerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_reader_events_total",
			Help: "Total number of events handled by readers",
		}, []string{"event_type", "live", "success"}),

		readerSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_reader_events_skipped_total",
			Help: "Total number of failed events a reader moved past",
		}, []string{"reader", "event_type"}),

		readerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_reader_reconnects_total",
			Help: "Total number of subscription reconnects",
		}, []string{"reader"}),

		readerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evsrc_es_reader_lag",
			Help: "Sequences a reader is behind the head of the log",
		}, []string{"reader"}),

		projectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_es_projection_events_total",
			Help: "Events seen by projections, by whether they changed a read model",
		}, []string{"projection", "applied"}),
	}

	reg.MustRegister(
		m.storeLoadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.concurrencyConflicts,
		m.cacheHits,
		m.cacheMisses,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.snapshotSaveFailures,
		m.snapshotsDiscarded,
		m.readerEventDuration,
		m.readerEvents,
		m.readerSkipped,
		m.readerReconnects,
		m.readerLag,
		m.projectionEvents,
	)

	return m
}

func (m *esMetrics) StoreLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) CacheHit(aggType string) {
	m.cacheHits.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) CacheMiss(aggType string) {
	m.cacheMisses.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveFailed(aggType string) {
	m.snapshotSaveFailures.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotDiscarded(aggType string) {
	m.snapshotsDiscarded.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) ReaderEventDuration(eventType string, live bool) metrics.Timer {
	return newTimer(m.readerEventDuration.WithLabelValues(eventType, boolToStr(live)))
}

func (m *esMetrics) ReaderEventProcessed(eventType string, live bool, success bool) {
	m.readerEvents.WithLabelValues(eventType, boolToStr(live), boolToStr(success)).Inc()
}

func (m *esMetrics) ReaderEventSkipped(reader string, eventType string) {
	m.readerSkipped.WithLabelValues(reader, eventType).Inc()
}

func (m *esMetrics) ReaderReconnect(reader string) {
	m.readerReconnects.WithLabelValues(reader).Inc()
}

func (m *esMetrics) ReaderLag(reader string, lag int64) {
	m.readerLag.WithLabelValues(reader).Set(float64(lag))
}

func (m *esMetrics) ProjectionApplied(projection string, applied bool) {
	m.projectionEvents.WithLabelValues(projection, boolToStr(applied)).Inc()
}

var _ es.ESMetrics = (*esMetrics)(nil)
