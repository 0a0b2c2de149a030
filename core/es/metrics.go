package es

import "github.com/codewandler/evsrc/core/metrics"

// ESMetrics defines the metrics of the event sourcing components.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreLoadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	// Repository operations
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)

	// Snapshot cache
	CacheHit(aggType string)
	CacheMiss(aggType string)

	// Snapshots
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer
	SnapshotSaveFailed(aggType string)
	SnapshotDiscarded(aggType string)

	// Reader
	ReaderEventDuration(eventType string, live bool) metrics.Timer
	ReaderEventProcessed(eventType string, live bool, success bool)
	ReaderEventSkipped(reader string, eventType string)
	ReaderReconnect(reader string)
	ReaderLag(reader string, lag int64)

	// Projections
	ProjectionApplied(projection string, applied bool)
}

// nopESMetrics is a no-op implementation of ESMetrics.
type nopESMetrics struct{}

func (nopESMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)            {}

func (nopESMetrics) CacheHit(string)  {}
func (nopESMetrics) CacheMiss(string) {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveFailed(string)                 {}
func (nopESMetrics) SnapshotDiscarded(string)                  {}

func (nopESMetrics) ReaderEventDuration(string, bool) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ReaderEventProcessed(string, bool, bool)        {}
func (nopESMetrics) ReaderEventSkipped(string, string)              {}
func (nopESMetrics) ReaderReconnect(string)                         {}
func (nopESMetrics) ReaderLag(string, int64)                        {}

func (nopESMetrics) ProjectionApplied(string, bool) {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }
