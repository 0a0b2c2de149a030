package dispatch

import (
	"log/slog"
	"time"
)

type (
	options struct {
		log             *slog.Logger
		metrics         Metrics
		timeout         time.Duration
		serialTargets   bool
		conflictRetries int
		errHandler      func(*EventError)
		errBuffer       int
	}
	Option interface{ applyToDispatcher(*options) }

	sendOptions struct {
		timeout time.Duration
	}
	SendOption interface{ applyToSend(*sendOptions) }

	LogOption             struct{ l *slog.Logger }
	MetricsOption         struct{ m Metrics }
	CommandTimeoutOption  struct{ d time.Duration }
	SerialTargetsOption   struct{}
	ConflictRetriesOption struct{ n int }
	ErrorHandlerOption    struct{ fn func(*EventError) }
	ErrorBufferOption     struct{ n int }
)

func (o LogOption) applyToDispatcher(opts *options)             { opts.log = o.l }
func (o MetricsOption) applyToDispatcher(opts *options)         { opts.metrics = o.m }
func (o CommandTimeoutOption) applyToDispatcher(opts *options)  { opts.timeout = o.d }
func (o CommandTimeoutOption) applyToSend(opts *sendOptions)    { opts.timeout = o.d }
func (o SerialTargetsOption) applyToDispatcher(opts *options)   { opts.serialTargets = true }
func (o ConflictRetriesOption) applyToDispatcher(opts *options) { opts.conflictRetries = o.n }
func (o ErrorHandlerOption) applyToDispatcher(opts *options)    { opts.errHandler = o.fn }
func (o ErrorBufferOption) applyToDispatcher(opts *options)     { opts.errBuffer = o.n }

func WithLog(l *slog.Logger) LogOption     { return LogOption{l: l} }
func WithMetrics(m Metrics) MetricsOption { return MetricsOption{m: m} }

// WithCommandTimeout bounds how long Send waits for a handler. It works as
// dispatcher default and per call.
func WithCommandTimeout(d time.Duration) CommandTimeoutOption { return CommandTimeoutOption{d: d} }

// WithSerialTargets runs commands for the same target one at a time.
func WithSerialTargets() SerialTargetsOption { return SerialTargetsOption{} }

// WithConflictRetries re-runs a command handler up to n more times when it
// fails with es.ErrVersionConflict. The handler reloads and decides again.
func WithConflictRetries(n int) ConflictRetriesOption { return ConflictRetriesOption{n: n} }

// WithErrorHandler receives subscriber failures instead of the caller of
// Publish.
func WithErrorHandler(fn func(*EventError)) ErrorHandlerOption { return ErrorHandlerOption{fn: fn} }

// WithErrorBuffer sizes the channel returned by Errors (default: 64).
func WithErrorBuffer(n int) ErrorBufferOption { return ErrorBufferOption{n: n} }
