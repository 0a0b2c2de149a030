package es

import (
	"context"
	"fmt"
	"time"

	"github.com/codewandler/evsrc/core/lineage"
)

type (
	// StreamSlice is the result of a stream read: the requested events and
	// the stream head at read time.
	StreamSlice struct {
		Head   Version
		Events []Envelope
	}

	AppendResult struct {
		FirstSeq uint64
		LastSeq  uint64
		Version  Version
	}

	// EventStore is the append-only log. One stream per aggregate.
	EventStore interface {
		Subscriber

		// ReadStream returns the events with version >= from. It returns
		// ErrNotFound if the stream holds no events.
		ReadStream(ctx context.Context, aggType, aggID string, from Version, opts ...ReadOption) (*StreamSlice, error)

		// AppendToStream appends events atomically if the stream satisfies
		// expected, or fails with a *VersionConflictError.
		AppendToStream(
			ctx context.Context,
			aggType, aggID string,
			expected ExpectedVersion,
			events []Envelope,
		) (*AppendResult, error)

		// DeleteStream removes the stream permanently. Later reads return
		// ErrNotFound and a later NoStream append recreates it.
		DeleteStream(ctx context.Context, aggType, aggID string) error
	}

	// Subscriber opens live subscriptions that first replay history.
	Subscriber interface {
		// SubscribeToStream delivers events of one stream with version >= from.
		SubscribeToStream(ctx context.Context, aggType, aggID string, from Version) (Subscription, error)
		// SubscribeToAll delivers all events with seq >= fromSeq in log order.
		SubscribeToAll(ctx context.Context, fromSeq uint64) (Subscription, error)
	}

	Subscription interface {
		// Chan delivers events in order. It is closed on Cancel or on a drop.
		Chan() <-chan Envelope
		// Head is the position of the newest matching event when the
		// subscription was opened: a seq for SubscribeToAll, a version for
		// SubscribeToStream.
		Head() uint64
		// Err is non-nil once the subscription was dropped by the store.
		Err() error
		Cancel()
	}
)

type (
	ReadOption interface{ applyToRead(*ReadOptions) }

	// ReadOptions are the hints of a ReadStream call. Stores may ignore them.
	ReadOptions struct {
		// StartSeq is the global position of an event of the stream at or
		// before the requested version. Stores that cannot seek a stream by
		// version start scanning there.
		StartSeq uint64
	}

	StartSeqOption valueOption[uint64]
)

// WithStartSeq passes the position of an already known event of the stream,
// usually the one a snapshot or a loaded aggregate ends at.
func WithStartSeq(seq uint64) StartSeqOption { return StartSeqOption{v: seq} }

func (o StartSeqOption) applyToRead(options *ReadOptions) { options.StartSeq = o.v }

func NewReadOptions(opts ...ReadOption) ReadOptions {
	var options ReadOptions
	for _, opt := range opts {
		opt.applyToRead(&options)
	}
	return options
}

// StreamNamer maps an aggregate to the storage name of its stream.
type StreamNamer func(aggType, aggID string) string

func DefaultStreamNamer(aggType, aggID string) string { return aggType + "-" + aggID }

// PrepareAppend checks expected against the current stream version and the
// batch against the stream, and returns the envelopes with their final
// versions. Stores call it inside their write critical section.
func PrepareAppend(
	aggType, aggID string,
	expected ExpectedVersion,
	current Version,
	events []Envelope,
) ([]Envelope, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	if !expected.Matches(current) {
		return nil, NewVersionConflict(aggType, aggID, expected, current)
	}

	out := make([]Envelope, len(events))
	for i, e := range events {
		if e.AggregateType != aggType || e.AggregateID != aggID {
			return nil, fmt.Errorf(
				"envelope %s belongs to %s/%s, not %s/%s",
				e.ID, e.AggregateType, e.AggregateID, aggType, aggID,
			)
		}
		want := current + Version(i+1)
		if expected.IsAny() {
			e.Version = want
		} else if e.Version != want {
			return nil, fmt.Errorf("envelope %s has version %d, want %d", e.ID, e.Version, want)
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// AppendEvents encodes events as root messages and appends them. It is meant
// for tests and tooling; aggregates go through the Repository.
func AppendEvents(
	ctx context.Context,
	store EventStore,
	reg *EventRegistry,
	aggType string,
	aggID string,
	expected ExpectedVersion,
	events ...any,
) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	var base Version
	if expected.IsExact() {
		base = expected.Version()
	}
	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		eventType, data, err := reg.Encode(ev)
		if err != nil {
			return nil, err
		}
		l := lineage.Root()
		envelopes = append(envelopes, Envelope{
			ID:            l.MsgID(),
			CorrelationID: l.CorrelationID(),
			Type:          eventType,
			AggregateID:   aggID,
			AggregateType: aggType,
			Data:          data,
			OccurredAt:    time.Now(),
			Version:       base + Version(i+1),
		})
	}
	return store.AppendToStream(ctx, aggType, aggID, expected, envelopes)
}
