// Package lineage tracks the causal chain of messages.
//
// Every command and event carries three identifiers:
//
//   - msg id: unique id of the message itself
//   - correlation id: shared by every message of one causal chain
//   - causation id: msg id of the message that directly caused this one
//
// A chain starts with a root message (correlation id == msg id, no causation
// id). Every follow-up message is derived from its cause:
//
//	gen := lineage.NewGenerator()
//	cmd := gen.Root()
//	evt := gen.Derive(cmd)
//	// evt.CorrelationID() == cmd.CorrelationID()
//	// evt.CausationID()   == cmd.MsgID()
//
// A Lineage is an immutable value. There are no setters, deriving never
// touches the source.
package lineage

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrInvalidLineage = errors.New("invalid lineage")
)

// Source is anything that carries a lineage. Deriving from a Source
// continues its causal chain.
type Source interface {
	Lineage() Lineage
}

// Lineage is the immutable (msg id, correlation id, causation id) triple.
type Lineage struct {
	msgID         string
	correlationID string
	causationID   string
}

func (l Lineage) MsgID() string         { return l.msgID }
func (l Lineage) CorrelationID() string { return l.correlationID }
func (l Lineage) CausationID() string   { return l.causationID }

// Lineage implements Source so a bare Lineage can be derived from.
func (l Lineage) Lineage() Lineage { return l }

// IsZero reports whether no lineage was assigned.
func (l Lineage) IsZero() bool { return l.msgID == "" }

// IsRoot reports whether l starts a causal chain.
func (l Lineage) IsRoot() bool {
	return l.msgID != "" && l.causationID == "" && l.correlationID == l.msgID
}

func (l Lineage) String() string {
	return fmt.Sprintf("msg=%s correlation=%s causation=%s", l.msgID, l.correlationID, l.causationID)
}

func (l Lineage) SlogAttr() slog.Attr {
	return slog.Group(
		"lineage",
		slog.String("msg_id", l.msgID),
		slog.String("correlation_id", l.correlationID),
		slog.String("causation_id", l.causationID),
	)
}

// Validate checks the structural rules of a lineage: every id set for a
// derived message, a root correlates to itself.
func (l Lineage) Validate() error {
	if l.msgID == "" {
		return fmt.Errorf("%w: msg id is empty", ErrInvalidLineage)
	}
	if l.correlationID == "" {
		return fmt.Errorf("%w: correlation id is empty", ErrInvalidLineage)
	}
	if l.causationID == "" && l.correlationID != l.msgID {
		return fmt.Errorf("%w: root message must correlate to itself", ErrInvalidLineage)
	}
	if l.causationID == l.msgID {
		return fmt.Errorf("%w: message cannot cause itself", ErrInvalidLineage)
	}
	return nil
}

// From wraps stored ids without validating them.
func From(msgID, correlationID, causationID string) Lineage {
	return Lineage{msgID: msgID, correlationID: correlationID, causationID: causationID}
}

// Restore rebuilds a lineage read back from storage or the wire.
func Restore(msgID, correlationID, causationID string) (Lineage, error) {
	l := Lineage{msgID: msgID, correlationID: correlationID, causationID: causationID}
	if err := l.Validate(); err != nil {
		return Lineage{}, err
	}
	return l, nil
}

// MustRestore is like Restore but panics on invalid input.
func MustRestore(msgID, correlationID, causationID string) Lineage {
	l, err := Restore(msgID, correlationID, causationID)
	if err != nil {
		panic(err)
	}
	return l
}
