package dispatch

import (
	"context"
	"log/slog"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/lineage"
)

type (
	// CommandCtx is passed to command handlers. It is the context of the
	// call and the lineage source for everything the handler causes.
	CommandCtx interface {
		context.Context
		lineage.Source
		Log() *slog.Logger
		Target() string
		// Attempt is 1 for the first run and grows with conflict retries.
		Attempt() int
		// Publish publishes evt as caused by the command.
		Publish(evt any) error
	}

	// EventCtx is passed to event subscribers.
	EventCtx interface {
		context.Context
		lineage.Source
		Log() *slog.Logger
		// Envelope is the stored event when it was published by a Reader.
		Envelope() (es.Envelope, bool)
		// Send dispatches a command caused by the event.
		Send(target string, payload any) error
	}
)

type commandCtx struct {
	context.Context
	d       *Dispatcher
	log     *slog.Logger
	cmd     Command
	attempt int
}

func (c *commandCtx) Lineage() lineage.Lineage { return c.cmd.lineage }
func (c *commandCtx) Log() *slog.Logger        { return c.log }
func (c *commandCtx) Target() string           { return c.cmd.Target }
func (c *commandCtx) Attempt() int             { return c.attempt }
func (c *commandCtx) Publish(evt any) error {
	return c.d.Publish(c.Context, lineage.Derive(c.cmd), evt)
}

type eventCtx struct {
	context.Context
	d       *Dispatcher
	log     *slog.Logger
	lineage lineage.Lineage
	env     *es.Envelope
}

func (c *eventCtx) Lineage() lineage.Lineage { return c.lineage }
func (c *eventCtx) Log() *slog.Logger        { return c.log }

func (c *eventCtx) Envelope() (es.Envelope, bool) {
	if c.env == nil {
		return es.Envelope{}, false
	}
	return *c.env, true
}

func (c *eventCtx) Send(target string, payload any) error {
	return c.d.Send(c.Context, NewCommandFrom(c, target, payload))
}

var (
	_ CommandCtx = (*commandCtx)(nil)
	_ EventCtx   = (*eventCtx)(nil)
)
