package es

import (
	"context"
	"fmt"
	"log/slog"
)

type (
	envOptions struct {
		ctx           context.Context
		log           *slog.Logger
		snapshots     SnapshotStore
		store         EventStore
		events        []EventRegisterOption
		aggregates    []Aggregate
		readers       []EnvReaderOption
		metrics       ESMetrics
		repoOpts      []RepositoryOption
		serializer    Serializer
		snapshotEvery Version
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}
)

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:     context.Background(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	if options.store == nil {
		options.store = NewInMemoryStore(WithLog(options.logger()))
	}
	return options
}

func (o envOptions) logger() *slog.Logger {
	if o.log == nil {
		return slog.Default()
	}
	return o.log
}

// === options ===

type (
	EnvReaderOption struct {
		handler    Handler
		readerOpts []ReaderOption
	}
	RepoOptsOption MultiOption[RepositoryOption]
)

// WithReader starts a Reader for handler together with the Env.
func WithReader(handler Handler, opts ...ReaderOption) EnvReaderOption {
	return EnvReaderOption{
		handler:    handler,
		readerOpts: opts,
	}
}

// WithProjection starts a Reader feeding a projection.
func WithProjection(projection interface {
	Handler
	Name() string
}, opts ...ReaderOption) EnvReaderOption {
	return EnvReaderOption{
		handler:    projection,
		readerOpts: append([]ReaderOption{WithReaderName(fmt.Sprintf("projection/%s", projection.Name()))}, opts...),
	}
}

// WithRepoOpts passes options to the Env's Repository.
func WithRepoOpts(opts ...RepositoryOption) RepoOptsOption { return RepoOptsOption{opts: opts} }

func (o EnvReaderOption) applyToEnv(options *envOptions) {
	options.readers = append(options.readers, o)
}
func (o RepoOptsOption) applyToEnv(options *envOptions) {
	options.repoOpts = append(options.repoOpts, o.opts...)
}
func (o StoreOption) applyToEnv(options *envOptions)         { options.store = o.v }
func (o SnapshotStoreOption) applyToEnv(options *envOptions) { options.snapshots = o.v }
func (o SnapshotEveryOption) applyToEnv(options *envOptions) { options.snapshotEvery = o.v }
func (o SerializerOption) applyToEnv(options *envOptions)    { options.serializer = o.v }
func (o ContextOption) applyToEnv(options *envOptions)       { options.ctx = o.ctx }
func (o LogOption) applyToEnv(options *envOptions)           { options.log = o.l }
func (o ESMetricsOption) applyToEnv(options *envOptions)     { options.metrics = o.m }
func (o EventRegisterOption) applyToEnv(options *envOptions) {
	options.events = append(options.events, o)
}
func (o AggregateOption) applyToEnv(options *envOptions) {
	options.aggregates = append(options.aggregates, o.aggregates...)
}
func (o MemoryOption) applyToEnv(options *envOptions) {
	options.store = NewInMemoryStore(WithLog(options.logger()))
	options.snapshots = NewInMemorySnapshotStore()
}
func (o EnvOpts) applyToEnv(options *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(options)
	}
}
