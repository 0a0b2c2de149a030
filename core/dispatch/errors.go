package dispatch

import (
	"errors"
	"fmt"

	"github.com/codewandler/evsrc/core/lineage"
)

var (
	ErrNoHandler        = errors.New("no handler for command")
	ErrDuplicateHandler = errors.New("command handler already registered")
	// ErrTimeout means the outcome of a command is unknown. The handler may
	// still complete after the caller gave up.
	ErrTimeout = errors.New("command timed out")
	ErrClosed  = errors.New("dispatcher closed")
	ErrPanic   = errors.New("handler panicked")
)

// EventError is the failure of one subscriber for one published event.
type EventError struct {
	EventType  string
	Subscriber string
	Lineage    lineage.Lineage
	Err        error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("subscriber %s failed on %s (%s): %v", e.Subscriber, e.EventType, e.Lineage, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }
