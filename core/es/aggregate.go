package es

import (
	"errors"
	"fmt"

	"github.com/codewandler/evsrc/core/es/assert"
)

// events
type (
	// AggregateDeleted is the tombstone event appended by a soft delete.
	AggregateDeleted struct{}
)

func (AggregateDeleted) EventType() string { return "es.aggregate_deleted" }

// Aggregate is the core interface for event-sourced domain objects.
// Implementations embed BaseAggregate, which provides everything except the
// domain state and command methods.
//
// An aggregate maintains:
//   - Identity: type and ID that uniquely identify the aggregate stream
//   - Version: the number of events folded so far
//   - Sequence: the global store position of the last folded event
//   - Uncommitted events: events raised but not yet persisted
//
// The typical lifecycle is:
//  1. Create a new aggregate with its constructor or load one via Repository
//  2. Call command methods; they validate and RaiseAndApply events
//  3. Save via Repository, which appends the uncommitted events
//  4. Discard the instance
type Aggregate interface {
	// GetAggType returns the aggregate type name used for stream identification.
	GetAggType() string
	// GetID returns the unique identifier of this aggregate instance.
	GetID() string
	// GetVersion returns the number of committed events folded.
	GetVersion() Version
	// GetSeq returns the global stream sequence of the last folded event.
	GetSeq() uint64
	// IsDeleted reports whether a tombstone was folded.
	IsDeleted() bool

	// Register registers the event types of the dispatch table.
	Register(r Registrar)
	// Apply folds a single event.
	Apply(event any) error
	// Handles reports whether the dispatch table knows eventType.
	Handles(eventType string) bool

	// Uncommitted returns a copy of events raised but not yet persisted.
	Uncommitted() []any
	// ClearUncommitted removes all uncommitted events after successful save.
	ClearUncommitted()

	base() *BaseAggregate
}

// Fold is one entry of an aggregate's dispatch table.
type Fold struct {
	eventType string
	ctor      func() any
	apply     func(evt any) bool
}

// On builds the dispatch table entry for events of type E. fn must be a pure
// state transition: it sees the event and mutates the aggregate's fields,
// nothing else.
func On[E any](fn func(e *E)) Fold {
	return Fold{
		eventType: eventTypeFor[E](),
		ctor:      Event[E](),
		apply: func(evt any) bool {
			switch e := evt.(type) {
			case *E:
				fn(e)
			case E:
				fn(&e)
			default:
				return false
			}
			return true
		},
	}
}

// BaseAggregate is the embeddable helper that tracks identity, version,
// uncommitted events and the dispatch table.
type BaseAggregate struct {
	aggType string
	id      string
	version Version
	seq     uint64
	deleted bool

	lastEventID     string
	snapshotVersion Version

	folds       map[string]Fold
	uncommitted []any
}

// Init sets identity and the dispatch table. Constructors call it once:
//
//	func NewAccount(id string) *Account {
//	    a := &Account{}
//	    a.Init("account", id,
//	        es.On(func(e *Deposited) { a.Balance += e.Amount }),
//	    )
//	    return a
//	}
func (b *BaseAggregate) Init(aggType, id string, folds ...Fold) {
	b.aggType = aggType
	b.id = id
	b.folds = make(map[string]Fold, len(folds))
	for _, f := range folds {
		b.folds[f.eventType] = f
	}
}

func (b *BaseAggregate) GetAggType() string   { return b.aggType }
func (b *BaseAggregate) GetID() string        { return b.id }
func (b *BaseAggregate) GetVersion() Version  { return b.version }
func (b *BaseAggregate) GetSeq() uint64       { return b.seq }
func (b *BaseAggregate) IsDeleted() bool      { return b.deleted }
func (b *BaseAggregate) base() *BaseAggregate { return b }

// PendingVersion is the version the aggregate will have after a successful save.
func (b *BaseAggregate) PendingVersion() Version {
	return b.version + Version(len(b.uncommitted))
}

func (b *BaseAggregate) Register(r Registrar) {
	for eventType, f := range b.folds {
		r.Register(eventType, f.ctor)
	}
	RegisterEvents(r, Event[AggregateDeleted]())
}

func (b *BaseAggregate) Handles(eventType string) bool {
	if eventType == (AggregateDeleted{}).EventType() {
		return true
	}
	_, ok := b.folds[eventType]
	return ok
}

func (b *BaseAggregate) Apply(evt any) error {
	switch evt.(type) {
	case *AggregateDeleted, AggregateDeleted:
		b.deleted = true
		return nil
	}
	eventType := EventTypeOf(evt)
	f, ok := b.folds[eventType]
	if !ok || !f.apply(evt) {
		return fmt.Errorf("%w: %s on %s", ErrUnhandledEventType, eventType, b.aggType)
	}
	return nil
}

// Raise records an event as uncommitted without folding it. Use RaiseAndApply.
func (b *BaseAggregate) Raise(event any)   { b.uncommitted = append(b.uncommitted, event) }
func (b *BaseAggregate) ClearUncommitted() { b.uncommitted = nil }
func (b *BaseAggregate) Uncommitted() []any {
	out := make([]any, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

// Checked runs thenFunc only if c holds.
func (b *BaseAggregate) Checked(c assert.Cond, thenFunc func() error) error {
	if err := c.Check(); err != nil {
		return err
	}
	return thenFunc()
}

// === Helpers ===

// RaiseAndApply validates events, then records each as uncommitted and folds
// it. Either all events are raised or none: validation and dispatch lookups
// happen before the first mutation.
func RaiseAndApply(a Aggregate, events ...any) (err error) {
	if len(events) == 0 {
		return
	}
	b := a.base()
	if b.deleted {
		return fmt.Errorf("%w: %s/%s", ErrDeleted, b.aggType, b.id)
	}

	for _, e := range events {
		if ev, ok := e.(interface{ Validate() error }); ok {
			if err = ev.Validate(); err != nil {
				var v *assert.Violation
				if errors.As(err, &v) {
					return err
				}
				return fmt.Errorf("%w: invalid event %T: %w", ErrDomainRuleViolation, ev, err)
			}
		}
		if et := EventTypeOf(e); !a.Handles(et) {
			return fmt.Errorf("%w: %s on %s", ErrUnhandledEventType, et, b.aggType)
		}
	}

	for _, e := range events {
		b.Raise(e)
		if err = a.Apply(e); err != nil {
			return
		}
	}
	return
}

func RaiseAndApplyD(a Aggregate, events ...any) func() error {
	return func() error {
		return RaiseAndApply(a, events...)
	}
}

// Rehydrate folds already committed events in order. The aggregate ends up
// at version GetVersion()+len(events).
func Rehydrate(a Aggregate, events ...any) error {
	b := a.base()
	if len(b.uncommitted) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}
	for _, e := range events {
		if err := a.Apply(e); err != nil {
			return err
		}
		if len(b.uncommitted) != 0 {
			return fmt.Errorf("fold of %s raised events", EventTypeOf(e))
		}
		b.version++
	}
	return nil
}

// applyEnvelope folds a decoded stored event and moves the aggregate to its
// version and position.
func applyEnvelope(a Aggregate, env Envelope, evt any) error {
	b := a.base()
	if expect := b.version + 1; env.Version != expect {
		return fmt.Errorf("expect version %d, got %d", expect, env.Version)
	}
	if err := a.Apply(evt); err != nil {
		return err
	}
	if len(b.uncommitted) != 0 {
		return fmt.Errorf("fold of %s raised events", env.Type)
	}
	b.version = env.Version
	b.seq = env.Seq
	b.lastEventID = env.ID
	return nil
}
