package es

import (
	"context"
	"log/slog"
)

type (
	valueOption[T any] struct{ v T }
	MultiOption[T any] struct{ opts []T }

	StoreOption         valueOption[EventStore]
	SnapshotStoreOption valueOption[SnapshotStore]
	ContextOption       struct{ ctx context.Context }
	MemoryOption        struct{}
	EventRegisterOption struct {
		t    string
		ctor func() any
	}
	LogOption struct {
		l *slog.Logger
	}
	AggregateOption struct {
		aggregates []Aggregate
	}
	EnvOpts MultiOption[EnvOption]
)

func WithInMemory() MemoryOption         { return MemoryOption{} }
func WithStore(s EventStore) StoreOption { return StoreOption{v: s} }

// WithSnapshotStore enables snapshot assisted loading.
func WithSnapshotStore(s SnapshotStore) SnapshotStoreOption { return SnapshotStoreOption{v: s} }

func WithEvent[T any]() EventRegisterOption {
	return EventRegisterOption{t: eventTypeFor[T](), ctor: Event[T]()}
}
func WithCtx(ctx context.Context) ContextOption     { return ContextOption{ctx: ctx} }
func WithLog(l *slog.Logger) LogOption              { return LogOption{l: l} }
func WithAggregates(a ...Aggregate) AggregateOption { return AggregateOption{aggregates: a} }
func WithEnvOpts(opts ...EnvOption) EnvOpts         { return EnvOpts{opts: opts} }
