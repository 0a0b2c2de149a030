package es

import (
	"errors"
	"fmt"

	"github.com/codewandler/evsrc/core/es/assert"
)

var (
	// ErrNotFound is returned when a stream was never written or has been hard deleted.
	ErrNotFound = errors.New("aggregate not found")
	// ErrDeleted is returned when the stream ends with a tombstone.
	ErrDeleted = errors.New("aggregate deleted")
	// ErrVersionConflict is returned when an append did not match the expected version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDomainRuleViolation is returned by command methods rejecting a command.
	ErrDomainRuleViolation = assert.ErrViolation
	// ErrUnhandledEventType is returned when an aggregate has no fold for an event.
	ErrUnhandledEventType = errors.New("unhandled event type")
	// ErrUnknownEventType is returned when the registry cannot construct an event.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrSerialization is returned when a payload cannot be encoded or decoded.
	ErrSerialization = errors.New("serialization error")
	// ErrSubscriptionDropped signals a lost subscription. Readers reconnect on it.
	ErrSubscriptionDropped = errors.New("subscription dropped")
	// ErrStoreNoEvents is returned when appending an empty batch.
	ErrStoreNoEvents = errors.New("no events to store")
)

// VersionConflictError carries the details of a failed optimistic append.
type VersionConflictError struct {
	AggregateType string
	AggregateID   string
	Expected      ExpectedVersion
	Actual        Version
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf(
		"%s: agg_type=%s agg_id=%s expected=%s actual=%d",
		ErrVersionConflict.Error(),
		e.AggregateType,
		e.AggregateID,
		e.Expected,
		e.Actual,
	)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// NewVersionConflict builds the error stores return on expectation mismatch.
func NewVersionConflict(aggType, aggID string, expected ExpectedVersion, actual Version) error {
	return &VersionConflictError{
		AggregateType: aggType,
		AggregateID:   aggID,
		Expected:      expected,
		Actual:        actual,
	}
}

func serializationErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSerialization, op, err)
}
