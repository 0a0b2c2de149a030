package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/evsrc/core/dispatch"
	"github.com/codewandler/evsrc/core/metrics"
)

// dispatchMetrics implements dispatch.Metrics using Prometheus.
type dispatchMetrics struct {
	commandDuration *prometheus.HistogramVec
	commandsTotal   *prometheus.CounterVec
	timeoutsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	panicTotal      *prometheus.CounterVec
}

// NewDispatchMetrics creates a new Prometheus implementation of dispatch.Metrics.
func NewDispatchMetrics(reg prometheus.Registerer) dispatch.Metrics {
	return newDispatchMetrics(reg)
}

func newDispatchMetrics(reg prometheus.Registerer) *dispatchMetrics {
	m := &dispatchMetrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evsrc_dispatch_command_duration_seconds",
			Help:    "Command handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"command_type"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_dispatch_commands_total",
			Help: "Total number of commands handled",
		}, []string{"command_type", "success"}),

		timeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_dispatch_command_timeouts_total",
			Help: "Total number of commands that ran into their timeout",
		}, []string{"command_type"}),

		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_dispatch_command_retries_total",
			Help: "Total number of command retries after version conflicts",
		}, []string{"command_type"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_dispatch_event_deliveries_total",
			Help: "Total number of event deliveries to subscribers",
		}, []string{"event_type", "success"}),

		panicTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evsrc_dispatch_panics_total",
			Help: "Total number of handler panics",
		}, []string{"message_type"}),
	}

	reg.MustRegister(
		m.commandDuration,
		m.commandsTotal,
		m.timeoutsTotal,
		m.retriesTotal,
		m.eventsTotal,
		m.panicTotal,
	)

	return m
}

func (m *dispatchMetrics) CommandDuration(cmdType string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(cmdType))
}

func (m *dispatchMetrics) CommandHandled(cmdType string, success bool) {
	m.commandsTotal.WithLabelValues(cmdType, boolToStr(success)).Inc()
}

func (m *dispatchMetrics) CommandTimeout(cmdType string) {
	m.timeoutsTotal.WithLabelValues(cmdType).Inc()
}

func (m *dispatchMetrics) CommandRetried(cmdType string) {
	m.retriesTotal.WithLabelValues(cmdType).Inc()
}

func (m *dispatchMetrics) EventDelivered(eventType string, success bool) {
	m.eventsTotal.WithLabelValues(eventType, boolToStr(success)).Inc()
}

func (m *dispatchMetrics) HandlerPanic(msgType string) {
	m.panicTotal.WithLabelValues(msgType).Inc()
}

var _ dispatch.Metrics = (*dispatchMetrics)(nil)
