package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Env wires a store, snapshots, the event registry, a repository and the
// readers of one application. Nothing in it is global: tests and services
// create as many as they need.
type Env struct {
	ctx          context.Context
	id           string
	cancelCtx    context.CancelFunc
	shutdownOnce sync.Once
	log          *slog.Logger
	store        EventStore
	snapshots    SnapshotStore
	registry     *EventRegistry
	repo         Repository
	metrics      ESMetrics

	mu          sync.Mutex
	started     bool
	readerSpecs []EnvReaderOption
	readers     []*Reader
}

func (e *Env) ID() string               { return e.id }
func (e *Env) Context() context.Context { return e.ctx }
func (e *Env) Log() *slog.Logger        { return e.log }
func (e *Env) Repository() Repository   { return e.repo }
func (e *Env) Store() EventStore        { return e.store }
func (e *Env) Snapshots() SnapshotStore { return e.snapshots }
func (e *Env) Registry() *EventRegistry { return e.registry }
func (e *Env) Metrics() ESMetrics       { return e.metrics }

func NewEnv(opts ...EnvOption) *Env {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	log := options.logger().With(slog.String("env", id))

	var regOpts []RegistryOption
	if options.serializer != nil {
		regOpts = append(regOpts, WithSerializer(options.serializer))
	}

	e := &Env{
		id:          id,
		log:         log,
		store:       options.store,
		snapshots:   options.snapshots,
		registry:    NewRegistry(regOpts...),
		metrics:     options.metrics,
		readerSpecs: options.readers,
	}
	e.ctx, e.cancelCtx = context.WithCancel(options.ctx)

	for _, agg := range options.aggregates {
		agg.Register(e.registry)
		e.log.Debug("registered aggregate", slog.String("type", agg.GetAggType()))
	}
	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", slog.String("type", s.t))
	}

	repoOpts := []RepositoryOption{WithMetrics(e.metrics)}
	if e.snapshots != nil {
		repoOpts = append(repoOpts, WithSnapshotStore(e.snapshots))
	}
	if options.snapshotEvery > 0 {
		repoOpts = append(repoOpts, WithSnapshotEvery(options.snapshotEvery.Uint64()))
	}
	e.repo = NewRepository(e.log, e.store, e.registry, append(repoOpts, options.repoOpts...)...)

	return e
}

// Start starts the configured readers one after the other and returns once
// all of them are live.
func (e *Env) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("env already started")
	}
	e.started = true

	for _, spec := range e.readerSpecs {
		r := e.NewReader(spec.handler, spec.readerOpts...)
		if err := r.Start(e.ctx); err != nil {
			return fmt.Errorf("failed to start reader %s: %w", r.Name(), err)
		}
		e.readers = append(e.readers, r)
	}
	e.log.Info("env started", slog.Int("readers", len(e.readers)))
	return nil
}

// Shutdown stops all readers and waits for pending snapshot writes.
func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.log.Info("shutting down")

		e.mu.Lock()
		readers := e.readers
		e.mu.Unlock()

		e.log.Debug("stopping readers", slog.Int("count", len(readers)))
		for _, r := range readers {
			r.Stop()
		}
		e.cancelCtx()
		if err := e.repo.Close(); err != nil {
			e.log.Error("failed to close repository", slog.Any("error", err))
		}
		e.log.Info("env shutdown")
	})
}

// NewReader creates a Reader on the Env's store and registry. The caller
// starts and stops it.
func (e *Env) NewReader(handler Handler, opts ...ReaderOption) *Reader {
	return NewReader(
		e.store,
		e.registry,
		handler,
		WithLog(e.log),
		WithMetrics(e.metrics),
		WithReaderOpts(opts...),
	)
}

// Append writes events directly to a stream, bypassing aggregates.
func (e *Env) Append(ctx context.Context, aggType, aggID string, expected ExpectedVersion, events ...any) error {
	_, err := e.AppendWithResult(ctx, aggType, aggID, expected, events...)
	return err
}

func (e *Env) AppendWithResult(
	ctx context.Context,
	aggType string,
	aggID string,
	expected ExpectedVersion,
	events ...any,
) (*AppendResult, error) {
	return AppendEvents(ctx, e.store, e.registry, aggType, aggID, expected, events...)
}

// Repo returns a typed repository backed by the Env's repository.
func Repo[T Aggregate](e *Env, factory func(id string) T) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](e.log, e.repo, factory)
}
