package dispatch

import "github.com/codewandler/evsrc/core/metrics"

// Metrics defines the metrics interface of the Dispatcher.
// All methods are thread-safe.
type Metrics interface {
	CommandDuration(cmdType string) metrics.Timer
	CommandHandled(cmdType string, success bool)
	CommandTimeout(cmdType string)
	CommandRetried(cmdType string)

	EventDelivered(eventType string, success bool)
	HandlerPanic(msgType string)
}

type nopMetrics struct{}

func (nopMetrics) CommandDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandHandled(string, bool)          {}
func (nopMetrics) CommandTimeout(string)                {}
func (nopMetrics) CommandRetried(string)                {}
func (nopMetrics) EventDelivered(string, bool)          {}
func (nopMetrics) HandlerPanic(string)                  {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
