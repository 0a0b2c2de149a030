package es

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codewandler/evsrc/core/lineage"
)

// MsgCtx is what a Handler gets for one delivered event: the envelope, the
// decoded event and whether the reader had caught up when it arrived.
type MsgCtx struct {
	ctx  context.Context
	log  *slog.Logger
	ev   Envelope
	evt  any
	pos  uint64
	live bool
}

// NewMsgCtx builds a MsgCtx outside a Reader, e.g. to feed a Handler directly.
func NewMsgCtx(ctx context.Context, log *slog.Logger, ev Envelope, evt any) MsgCtx {
	if log == nil {
		log = slog.Default()
	}
	return MsgCtx{ctx: ctx, log: log.With(ev.logAttrs()), ev: ev, evt: evt, pos: ev.Seq, live: true}
}

func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Event() any               { return c.evt }
func (c MsgCtx) Live() bool               { return c.live }

// Position is the reader position of the event: its seq when reading all
// streams, its version when reading one.
func (c MsgCtx) Position() uint64 { return c.pos }

func (c MsgCtx) Seq() uint64              { return c.ev.Seq }
func (c MsgCtx) Envelope() Envelope       { return c.ev }
func (c MsgCtx) Lineage() lineage.Lineage { return c.ev.Lineage() }
func (c MsgCtx) Version() Version         { return c.ev.Version }
func (c MsgCtx) AggregateID() string      { return c.ev.AggregateID }
func (c MsgCtx) AggregateType() string    { return c.ev.AggregateType }
func (c MsgCtx) Data() json.RawMessage    { return c.ev.Data }
func (c MsgCtx) Type() string             { return c.ev.Type }
func (c MsgCtx) OccurredAt() time.Time    { return c.ev.OccurredAt }

// WithLog returns a copy of c logging to l.
func (c MsgCtx) WithLog(l *slog.Logger) MsgCtx {
	c.log = l
	return c
}

type (
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	HandlerLifecycleStart interface {
		Start(ctx context.Context) error
	}
	HandlerLifecycleShutdown interface {
		Shutdown(ctx context.Context) error
	}
	HandlerLifecycle interface {
		HandlerLifecycleStart
		HandlerLifecycleShutdown
	}
	HandleFunc           func(ctx MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(ctx MsgCtx, next Handler) error
)

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// === handler func ===

func (f HandleFunc) Handle(ctx MsgCtx) error { return f(ctx) }
func Handle(f HandleFunc) HandleFunc         { return f }

// === middleware ===

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(msgCtx MsgCtx) error { return m.mw(msgCtx, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{
			next: next,
			mw:   mw,
		}
	}
}

// === log ===

func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) (err error) {
		handleAt := time.Now()

		log := ctx.Log().With(attrs...)

		err = next.Handle(ctx.WithLog(log))
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
		} else {
			log.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
		}

		return err
	})
}

// === fan out ===

type multiHandler []Handler

func (m multiHandler) Handle(msgCtx MsgCtx) error {
	for _, h := range m {
		if err := h.Handle(msgCtx); err != nil {
			return err
		}
	}
	return nil
}

// Handlers runs hs in order and stops at the first error.
func Handlers(hs ...Handler) Handler { return multiHandler(hs) }

var _ Handler = HandleFunc(nil)
