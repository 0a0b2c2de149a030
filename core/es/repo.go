package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/evsrc/core/lineage"
)

type Repository interface {
	// Load rehydrates agg, preferably from its latest snapshot. It returns
	// ErrNotFound for streams without events and ErrDeleted, with the state
	// loaded, for tombstoned ones.
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	// Save appends the uncommitted events of agg, expecting the stream to be
	// at the version agg was loaded at. It never retries.
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
	// Delete appends a tombstone under optimistic concurrency.
	Delete(ctx context.Context, agg Aggregate, opts ...SaveOption) error
	// HardDelete removes the stream and its snapshots.
	HardDelete(ctx context.Context, aggType, aggID string) error
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
	// Close waits for background snapshot writes.
	Close() error
}

// repository rehydrates aggregates and persists new events with optimistic concurrency.
type repository struct {
	log           *slog.Logger
	store         EventStore
	registry      *EventRegistry
	snapshots     SnapshotStore
	snapshotEvery Version
	async         bool
	lineage       *lineage.Generator
	metrics       ESMetrics

	registered sync.Map // aggType -> *sync.Once
	pending    sync.WaitGroup
}

func NewRepository(
	log *slog.Logger,
	store EventStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := newRepoOpts(opts...)
	return &repository{
		log:           log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:         store,
		registry:      registry,
		snapshots:     options.snapshots,
		snapshotEvery: options.snapshotEvery,
		async:         options.async,
		lineage:       lineage.NewGenerator(lineage.WithIDGenerator(options.idGenerator)),
		metrics:       options.metrics,
	}
}

// register adds the events of agg's type to the registry once. Concurrent
// callers wait until registration finished.
func (r *repository) register(agg Aggregate) {
	once, _ := r.registered.LoadOrStore(agg.GetAggType(), &sync.Once{})
	once.(*sync.Once).Do(func() { agg.Register(r.registry) })
}

func checkIdentity(agg Aggregate) error {
	if agg.GetAggType() == "" {
		return errors.New("aggregate type is empty")
	}
	if agg.GetID() == "" {
		return errors.New("aggregate id is empty")
	}
	return nil
}

func aggLogAttrs(agg Aggregate) slog.Attr {
	return slog.Group(
		"agg",
		slog.String("type", agg.GetAggType()),
		slog.String("id", agg.GetID()),
		slog.Uint64("seq", agg.GetSeq()),
		agg.GetVersion().SlogAttr(),
	)
}

// Load rehydrates agg from the store. An aggregate that already holds
// committed state is caught up with the tail of its stream.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) (err error) {
	if err = checkIdentity(agg); err != nil {
		return err
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}
	r.register(agg)

	aggType, aggID := agg.GetAggType(), agg.GetID()
	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	loadOptions := newLoadOptions(opts...)
	log := r.log.With(slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)))

	restored := false
	if loadOptions.snapshot && r.snapshots != nil && agg.GetVersion() == 0 {
		restored, err = r.loadFromSnapshot(ctx, log, agg)
		if err != nil {
			return err
		}
	}

	if !restored {
		fresh := agg.GetVersion() == 0
		if err = r.replay(ctx, agg); err != nil {
			return err
		}
		if fresh && !loadOptions.snapshot {
			r.seedSnapshotVersion(ctx, log, agg)
		}
	}

	log.Debug("loaded", slog.Uint64("seq", agg.GetSeq()), agg.GetVersion().SlogAttr(), slog.Bool("snapshot", restored))

	if agg.IsDeleted() {
		return fmt.Errorf("%w: %s/%s", ErrDeleted, aggType, aggID)
	}
	return nil
}

// replay folds every event after the current version of agg.
func (r *repository) replay(ctx context.Context, agg Aggregate) error {
	aggType, aggID := agg.GetAggType(), agg.GetID()
	cur := agg.GetVersion()

	var readOpts []ReadOption
	if cur > 0 {
		readOpts = append(readOpts, WithStartSeq(agg.GetSeq()))
	}

	timer := r.metrics.StoreLoadDuration(aggType)
	slice, err := r.store.ReadStream(ctx, aggType, aggID, cur+1, readOpts...)
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrNotFound) && cur > 0 {
			return fmt.Errorf("stream of loaded aggregate %s/%s vanished: %w", aggType, aggID, err)
		}
		return err
	}
	for _, env := range slice.Events {
		if err = r.fold(agg, env); err != nil {
			return err
		}
	}
	return nil
}

// seedSnapshotVersion records the version of the stored snapshot on an
// aggregate loaded without it, so the next Save does not snapshot again
// before the threshold is reached. Discarded snapshots are not seeded and get
// replaced on the next due Save.
func (r *repository) seedSnapshotVersion(ctx context.Context, log *slog.Logger, agg Aggregate) {
	if r.snapshots == nil || r.snapshotEvery == 0 {
		return
	}
	ss, err := r.snapshots.GetLatest(ctx, agg.GetAggType(), agg.GetID(), agg.GetVersion())
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			log.Debug("snapshot lookup failed", slog.Any("error", err))
		}
		return
	}
	agg.base().snapshotVersion = ss.ObjVersion
}

func (r *repository) fold(agg Aggregate, env Envelope) error {
	evt, err := r.registry.Decode(env)
	if err != nil {
		return err
	}
	return applyEnvelope(agg, env, evt)
}

// loadFromSnapshot restores agg from its latest snapshot and folds the tail.
// It reports false, leaving agg untouched, whenever the snapshot cannot be
// trusted and a full replay is needed.
func (r *repository) loadFromSnapshot(ctx context.Context, log *slog.Logger, agg Aggregate) (bool, error) {
	aggType, aggID := agg.GetAggType(), agg.GetID()

	timer := r.metrics.SnapshotLoadDuration(aggType)
	ss, err := r.snapshots.GetLatest(ctx, aggType, aggID, MaxVersion)
	timer.ObserveDuration()
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			log.Warn("snapshot lookup failed, replaying stream", slog.Any("error", err))
		}
		return false, nil
	}
	if ss.ObjVersion == 0 {
		return false, nil
	}

	discard := func(reason string, attrs ...any) (bool, error) {
		r.metrics.SnapshotDiscarded(aggType)
		log.Warn("snapshot discarded, replaying stream", append([]any{slog.String("reason", reason), ss.logAttrs()}, attrs...)...)
		return false, nil
	}

	// read from the snapshot version to verify the snapshot still belongs to
	// this stream
	slice, err := r.store.ReadStream(ctx, aggType, aggID, ss.ObjVersion, WithStartSeq(ss.StreamSeq))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return discard("stream not found")
		}
		return discard("read failed", slog.Any("error", err))
	}
	if len(slice.Events) == 0 || slice.Events[0].Version != ss.ObjVersion {
		return discard("snapshot ahead of stream", slice.Head.SlogAttrWithKey("head"))
	}
	if ss.EventID != "" && slice.Events[0].ID != ss.EventID {
		return discard("event id mismatch", slog.String("event_id", slice.Events[0].ID))
	}

	// decode the tail first so a bad event does not leave a half restored aggregate
	tail := slice.Events[1:]
	decoded := make([]any, len(tail))
	for i, env := range tail {
		if decoded[i], err = r.registry.Decode(env); err != nil {
			return discard("tail decode failed", slog.Any("error", err))
		}
	}

	if err = RestoreSnapshot(agg, ss, r.registry.Serializer()); err != nil {
		return false, err
	}
	for i, env := range tail {
		if err = applyEnvelope(agg, env, decoded[i]); err != nil {
			return false, fmt.Errorf("%w: %w", ErrSnapshotRestore, err)
		}
	}
	if agg.GetVersion() != slice.Head {
		return false, fmt.Errorf("%w: version %d does not match head %d", ErrSnapshotRestore, agg.GetVersion(), slice.Head)
	}

	log.Debug("snapshot applied", ss.logAttrs(), slog.Int("tail", len(tail)))
	return true, nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	if err := checkIdentity(agg); err != nil {
		return err
	}
	r.register(agg)

	aggType, aggID := agg.GetAggType(), agg.GetID()
	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	saveOptions := newSaveOptions(opts...)
	expected := ExpectVersion(agg.GetVersion())

	var (
		now     = time.Now()
		v       = agg.GetVersion()
		newEnvs = make([]Envelope, 0, len(uncommitted))
		first   lineage.Lineage
	)
	for i, ev := range uncommitted {
		eventType, data, err := r.registry.Encode(ev)
		if err != nil {
			return err
		}

		var l lineage.Lineage
		switch {
		case saveOptions.cause != nil:
			l = r.lineage.Derive(saveOptions.cause)
		case i == 0:
			first = r.lineage.Root()
			l = first
		default:
			l = r.lineage.Derive(first)
		}

		v++
		env := Envelope{
			ID:            l.MsgID(),
			CorrelationID: l.CorrelationID(),
			CausationID:   l.CausationID(),
			Type:          eventType,
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       v,
			OccurredAt:    now,
			Data:          data,
		}
		if err = env.Validate(); err != nil {
			return err
		}
		newEnvs = append(newEnvs, env)
	}

	timer := r.metrics.StoreAppendDuration(aggType)
	res, err := r.store.AppendToStream(ctx, aggType, aggID, expected, newEnvs)
	timer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			r.metrics.ConcurrencyConflict(aggType)
		}
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	if res == nil {
		return errors.New("append returned nil result")
	}
	r.metrics.EventsAppended(aggType, len(newEnvs))

	b := agg.base()
	b.version = v
	b.seq = res.LastSeq
	b.lastEventID = newEnvs[len(newEnvs)-1].ID
	agg.ClearUncommitted()

	r.log.Debug(
		"saved",
		aggLogAttrs(agg),
		slog.Int("num_events", len(newEnvs)),
		slog.String("correlation_id", newEnvs[0].CorrelationID),
	)

	if r.snapshots != nil && (saveOptions.snapshot || r.snapshotDue(b)) {
		r.snapshotAfterSave(ctx, agg)
	}
	return nil
}

func (r *repository) snapshotDue(b *BaseAggregate) bool {
	return r.snapshotEvery > 0 && b.version-b.snapshotVersion >= r.snapshotEvery
}

// snapshotAfterSave captures the state now and writes it, in the background
// if configured. Failures are logged only.
func (r *repository) snapshotAfterSave(ctx context.Context, agg Aggregate) {
	aggType := agg.GetAggType()
	ss, err := CreateSnapshot(agg, r.registry.Serializer())
	if err != nil {
		r.metrics.SnapshotSaveFailed(aggType)
		r.log.Error("failed to create snapshot", aggLogAttrs(agg), slog.Any("error", err))
		return
	}
	agg.base().snapshotVersion = ss.ObjVersion

	write := func(ctx context.Context) {
		defer r.metrics.SnapshotSaveDuration(aggType).ObserveDuration()
		if err := r.snapshots.SaveSnapshot(ctx, ss); err != nil {
			r.metrics.SnapshotSaveFailed(aggType)
			r.log.Error("failed to save snapshot", ss.logAttrs(), slog.Any("error", err))
			return
		}
		r.log.Debug("snapshot saved", ss.logAttrs())
	}

	if !r.async {
		write(ctx)
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		write(context.WithoutCancel(ctx))
	}()
}

func (r *repository) Delete(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	if err := checkIdentity(agg); err != nil {
		return err
	}
	if agg.GetVersion() == 0 && len(agg.Uncommitted()) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, agg.GetAggType(), agg.GetID())
	}
	if err := RaiseAndApply(agg, &AggregateDeleted{}); err != nil {
		return err
	}
	return r.Save(ctx, agg, opts...)
}

func (r *repository) HardDelete(ctx context.Context, aggType, aggID string) error {
	if err := r.store.DeleteStream(ctx, aggType, aggID); err != nil {
		return fmt.Errorf("failed to delete stream agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	if r.snapshots != nil {
		if err := r.snapshots.DeleteSnapshots(ctx, aggType, aggID); err != nil {
			r.log.Warn(
				"failed to delete snapshots",
				slog.String("type", aggType),
				slog.String("id", aggID),
				slog.Any("error", err),
			)
		}
	}
	r.log.Info("stream deleted", slog.String("type", aggType), slog.String("id", aggID))
	return nil
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (ss *Snapshot, err error) {
	if r.snapshots == nil {
		return nil, ErrSnapshotStoreUnconfigured
	}
	if agg.GetVersion() == 0 {
		return nil, fmt.Errorf("cannot snapshot %s/%s without committed events", agg.GetAggType(), agg.GetID())
	}
	ss, err = CreateSnapshot(agg, r.registry.Serializer())
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err = r.snapshots.SaveSnapshot(ctx, ss); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	agg.base().snapshotVersion = ss.ObjVersion
	r.log.Debug("snapshot saved", ss.logAttrs())
	return
}

func (r *repository) Close() error {
	r.pending.Wait()
	return nil
}

var _ Repository = &repository{}

// === TypedRepository ===

type (
	LoadStatus int

	// LoadResult is the outcome of TryGetByID. Aggregate is set for Found and
	// Deleted.
	LoadResult[T Aggregate] struct {
		Status    LoadStatus
		Aggregate T
	}

	TypedRepository[T Aggregate] interface {
		GetAggType() string
		New(id string) T
		GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
		TryGetByID(ctx context.Context, aggID string, opts ...LoadOption) (LoadResult[T], error)
		GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
		Save(ctx context.Context, agg T, opts ...SaveOption) error
		Delete(ctx context.Context, agg T, opts ...SaveOption) error
		HardDelete(ctx context.Context, aggID string) error
	}
)

const (
	NotFound LoadStatus = iota
	Found
	Deleted
)

func (s LoadStatus) String() string {
	switch s {
	case Found:
		return "found"
	case Deleted:
		return "deleted"
	default:
		return "not_found"
	}
}

type typedRepo[T Aggregate] struct {
	r       Repository
	log     *slog.Logger
	factory func(id string) T
	aggType string
}

func (t *typedRepo[T]) New(id string) T { return t.factory(id) }

func (t *typedRepo[T]) GetAggType() string { return t.aggType }

func (t *typedRepo[T]) load(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.New(aggID)
	err = t.r.Load(ctx, a, opts...)
	if errors.Is(err, ErrSnapshotRestore) {
		t.log.Warn("snapshot restore failed, reloading without snapshot", slog.String("id", aggID), slog.Any("error", err))
		a = t.New(aggID)
		err = t.r.Load(ctx, a, append(opts, WithSnapshot(false))...)
	}
	return a, err
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	a, err = t.load(ctx, aggID, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return a, nil
}

func (t *typedRepo[T]) TryGetByID(ctx context.Context, aggID string, opts ...LoadOption) (res LoadResult[T], err error) {
	a, err := t.load(ctx, aggID, opts...)
	switch {
	case err == nil:
		return LoadResult[T]{Status: Found, Aggregate: a}, nil
	case errors.Is(err, ErrDeleted):
		return LoadResult[T]{Status: Deleted, Aggregate: a}, nil
	case errors.Is(err, ErrNotFound):
		return LoadResult[T]{Status: NotFound}, nil
	default:
		return res, err
	}
}

func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	a, err = t.load(ctx, aggID, opts...)
	if errors.Is(err, ErrNotFound) {
		t.log.Debug("created", slog.String("id", aggID))
		return t.New(aggID), nil
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) Delete(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Delete(ctx, agg, opts...)
}

func (t *typedRepo[T]) HardDelete(ctx context.Context, aggID string) error {
	return t.r.HardDelete(ctx, t.aggType, aggID)
}

// NewTypedRepository builds a Repository for aggregates created by factory.
func NewTypedRepository[T Aggregate](
	log *slog.Logger,
	s EventStore,
	reg *EventRegistry,
	factory func(id string) T,
	opts ...RepositoryOption,
) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](log, NewRepository(log, s, reg, opts...), factory)
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository, factory func(id string) T) TypedRepository[T] {
	aggType := factory("").GetAggType()
	return &typedRepo[T]{
		r:       r,
		factory: factory,
		aggType: aggType,
		log:     log.With(slog.String("repo", aggType)),
	}
}
