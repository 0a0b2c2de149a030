package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/evsrc/core/lineage"
)

// Envelope wraps an event with metadata for persistence and routing.
// It is the unit of storage in the EventStore. Once appended it is immutable.
type Envelope struct {
	// ID is the msg id of the event. It is unique across the store.
	ID string `json:"id"`
	// CorrelationID is shared by every message of the causal chain.
	CorrelationID string `json:"correlation_id"`
	// CausationID is the msg id of the message that caused this event.
	CausationID string `json:"causation_id,omitempty"`
	// Seq is the global position assigned by the store on append.
	Seq uint64 `json:"seq"`
	// Version is the aggregate version after folding this event (1, 2, 3, ...).
	Version Version `json:"version"`
	// AggregateType and AggregateID identify the stream.
	AggregateType string `json:"aggregate"`
	AggregateID   string `json:"aggregate_id"`
	// Type is the event type tag used to pick a decoder and fold.
	Type string `json:"type"`
	// OccurredAt is when the event was raised.
	OccurredAt time.Time `json:"occurred_at"`
	// Data contains the encoded event payload.
	Data json.RawMessage `json:"data"`
}

// Lineage returns the causal position of the event.
func (e Envelope) Lineage() lineage.Lineage {
	return lineage.From(e.ID, e.CorrelationID, e.CausationID)
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("envelope version is zero")
	}
	if err := e.Lineage().Validate(); err != nil {
		return fmt.Errorf("envelope %s: %w", e.ID, err)
	}
	return nil
}

func (e Envelope) logAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.Uint64("seq", e.Seq),
		e.Version.SlogAttr(),
		slog.String("type", e.Type),
		slog.String("aggregate_id", e.AggregateID),
		slog.String("aggregate_type", e.AggregateType),
		slog.String("correlation_id", e.CorrelationID),
	)
}

type Decoder interface{ Decode(e Envelope) (any, error) }

var _ lineage.Source = Envelope{}
