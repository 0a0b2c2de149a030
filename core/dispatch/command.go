package dispatch

import (
	"log/slog"

	"github.com/codewandler/evsrc/core/lineage"
	"github.com/codewandler/evsrc/internal/reflector"
)

// Command is a request to change one target entity. Its lineage is fixed at
// construction.
type Command struct {
	// Target is the id of the entity the command is for. Commands for the
	// same target run one at a time with WithSerialTargets.
	Target  string
	Payload any

	lineage lineage.Lineage
}

// NewCommand starts a new causal chain.
func NewCommand(target string, payload any) Command {
	return Command{Target: target, Payload: payload, lineage: lineage.Root()}
}

// NewCommandFrom creates a command caused by src.
func NewCommandFrom(src lineage.Source, target string, payload any) Command {
	return Command{Target: target, Payload: payload, lineage: lineage.Derive(src)}
}

func (c Command) Lineage() lineage.Lineage { return c.lineage }

// Type is the name handlers are registered under.
func (c Command) Type() string { return typeOf(c.Payload) }

func (c Command) logAttrs() slog.Attr {
	return slog.Group("cmd",
		slog.String("type", c.Type()),
		slog.String("target", c.Target),
		c.lineage.SlogAttr(),
	)
}

// typeOf prefers a CommandType or EventType method on *T over the Go type
// name, so T and *T resolve to the same name.
func typeOf(v any) string {
	ti := reflector.TypeInfoOf(v)
	if ti.IsZero() {
		return ""
	}
	switch t := ti.New().(type) {
	case interface{ CommandType() string }:
		return t.CommandType()
	case interface{ EventType() string }:
		return t.EventType()
	}
	return ti.Name
}

func typeFor[T any]() string {
	return typeOf(reflector.TypeInfoFor[T]().New())
}
