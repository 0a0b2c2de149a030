package dispatch

import (
	"github.com/codewandler/evsrc/core/es"
)

type readerBridge struct {
	d *Dispatcher
}

// EventHandler returns an es.Handler that publishes every event a Reader
// observes, keeping the lineage stored with the event. Subscriber failures
// fail the handler only when the dispatcher has no error handler or channel,
// so the reader's failure policy decides about them.
func EventHandler(d *Dispatcher) es.Handler {
	return readerBridge{d: d}
}

func (b readerBridge) Handle(msgCtx es.MsgCtx) error {
	env := msgCtx.Envelope()
	return b.d.publish(msgCtx.Context(), msgCtx.Lineage(), &env, msgCtx.Event())
}
