package es

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// FailurePolicy decides what a Reader does when its handler fails.
type FailurePolicy int

const (
	// FailureRetry retries the event with backoff until it succeeds or the
	// reader stops.
	FailureRetry FailurePolicy = iota
	// FailureSkip logs the failure, reports it to the OnSkip hook and moves
	// the checkpoint past the event.
	FailureSkip
)

func (p FailurePolicy) String() string {
	if p == FailureSkip {
		return "skip"
	}
	return "retry"
}

type (
	streamRef struct {
		aggType string
		aggID   string
	}

	backoffOpts struct {
		initial time.Duration
		max     time.Duration
	}

	readerOpts struct {
		name            string
		stream          *streamRef
		cp              CpStore
		policy          FailurePolicy
		onSkip          func(ev Envelope, err error)
		reconnect       backoffOpts
		maxReconnects   int
		retry           backoffOpts
		mws             []HandlerMiddleware
		log             *slog.Logger
		metrics         ESMetrics
		shutdownTimeout time.Duration
	}

	ReaderOption interface {
		applyToReaderOpts(*readerOpts)
	}

	ReaderNameOption       valueOption[string]
	ReaderStreamOption     valueOption[streamRef]
	CheckpointOption       valueOption[CpStore]
	FailurePolicyOption    valueOption[FailurePolicy]
	OnSkipOption           valueOption[func(ev Envelope, err error)]
	ReconnectBackoffOption valueOption[backoffOpts]
	MaxReconnectsOption    valueOption[int]
	RetryBackoffOption     valueOption[backoffOpts]
	MiddlewareOption       valueOption[[]HandlerMiddleware]
	ShutdownTimeoutOption  valueOption[time.Duration]
	ReaderOptions          MultiOption[ReaderOption]
)

func (o ReaderNameOption) applyToReaderOpts(opts *readerOpts) { opts.name = o.v }
func (o ReaderStreamOption) applyToReaderOpts(opts *readerOpts) {
	ref := o.v
	opts.stream = &ref
}
func (o CheckpointOption) applyToReaderOpts(opts *readerOpts)       { opts.cp = o.v }
func (o FailurePolicyOption) applyToReaderOpts(opts *readerOpts)    { opts.policy = o.v }
func (o OnSkipOption) applyToReaderOpts(opts *readerOpts)           { opts.onSkip = o.v }
func (o ReconnectBackoffOption) applyToReaderOpts(opts *readerOpts) { opts.reconnect = o.v }
func (o MaxReconnectsOption) applyToReaderOpts(opts *readerOpts)    { opts.maxReconnects = o.v }
func (o RetryBackoffOption) applyToReaderOpts(opts *readerOpts)     { opts.retry = o.v }
func (o MiddlewareOption) applyToReaderOpts(opts *readerOpts) {
	opts.mws = append(opts.mws, o.v...)
}
func (o ShutdownTimeoutOption) applyToReaderOpts(opts *readerOpts) { opts.shutdownTimeout = o.v }
func (o LogOption) applyToReaderOpts(opts *readerOpts)             { opts.log = o.l }
func (o ESMetricsOption) applyToReaderOpts(opts *readerOpts)       { opts.metrics = o.m }
func (o ReaderOptions) applyToReaderOpts(opts *readerOpts) {
	for _, opt := range o.opts {
		opt.applyToReaderOpts(opts)
	}
}

func WithReaderName(name string) ReaderNameOption { return ReaderNameOption{v: name} }

// WithReaderStream reads a single aggregate stream. Positions are versions.
func WithReaderStream(aggType, aggID string) ReaderStreamOption {
	return ReaderStreamOption{v: streamRef{aggType: aggType, aggID: aggID}}
}

// WithCheckpoint persists the reader position. Without it every run starts
// from the beginning.
func WithCheckpoint(cp CpStore) CheckpointOption { return CheckpointOption{v: cp} }

func WithFailurePolicy(p FailurePolicy) FailurePolicyOption { return FailurePolicyOption{v: p} }

// WithOnSkip is called for every event skipped under FailureSkip.
func WithOnSkip(fn func(ev Envelope, err error)) OnSkipOption { return OnSkipOption{v: fn} }

// WithReconnectBackoff bounds the delay between reconnect attempts.
func WithReconnectBackoff(initial, max time.Duration) ReconnectBackoffOption {
	return ReconnectBackoffOption{v: backoffOpts{initial: initial, max: max}}
}

// WithMaxReconnects stops the reader with an error after n failed reconnect
// attempts in a row. 0 retries forever.
func WithMaxReconnects(n int) MaxReconnectsOption { return MaxReconnectsOption{v: n} }

// WithRetryBackoff bounds the delay between handler retries under FailureRetry.
func WithRetryBackoff(initial, max time.Duration) RetryBackoffOption {
	return RetryBackoffOption{v: backoffOpts{initial: initial, max: max}}
}

func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption {
	return MiddlewareOption{v: mws}
}

func WithShutdownTimeout(d time.Duration) ShutdownTimeoutOption {
	return ShutdownTimeoutOption{v: d}
}

func WithReaderOpts(opts ...ReaderOption) ReaderOptions { return ReaderOptions{opts: opts} }

func newReaderOpts(opts ...ReaderOption) readerOpts {
	options := readerOpts{
		log:             slog.Default(),
		metrics:         NopESMetrics(),
		name:            fmt.Sprintf("reader-%s", gonanoid.Must(6)),
		reconnect:       backoffOpts{initial: 100 * time.Millisecond, max: 10 * time.Second},
		retry:           backoffOpts{initial: 50 * time.Millisecond, max: 5 * time.Second},
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt.applyToReaderOpts(&options)
	}
	if options.cp == nil {
		options.cp = NewInMemCpStore()
	}
	return options
}

func (o backoffOpts) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if o.initial > 0 {
		b.InitialInterval = o.initial
	}
	if o.max > 0 {
		b.MaxInterval = o.max
	}
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.Reset()
	return b
}
