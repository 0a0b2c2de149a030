package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type ReaderState int32

const (
	ReaderIdle ReaderState = iota
	ReaderCatchingUp
	ReaderLive
	ReaderReconnecting
	ReaderStopped
)

func (s ReaderState) String() string {
	switch s {
	case ReaderIdle:
		return "idle"
	case ReaderCatchingUp:
		return "catching_up"
	case ReaderLive:
		return "live"
	case ReaderReconnecting:
		return "reconnecting"
	case ReaderStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrReaderStarted = errors.New("reader already started")

// Reader feeds the events of a store subscription to a Handler, in order,
// one at a time. It replays history from its checkpoint, then follows new
// events, and resubscribes with exponential backoff when the subscription
// drops.
type Reader struct {
	name    string
	store   Subscriber
	decoder Decoder
	handler Handler
	opts    readerOpts
	log     *slog.Logger
	metrics ESMetrics

	state    atomic.Int32
	live     chan struct{}
	liveOnce sync.Once
	isLive   atomic.Bool
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func NewReader(
	store Subscriber,
	decoder Decoder,
	handler Handler,
	opts ...ReaderOption,
) *Reader {
	options := newReaderOpts(opts...)
	return &Reader{
		name:    options.name,
		store:   store,
		decoder: decoder,
		handler: applyMiddlewares(handler, options.mws),
		opts:    options,
		log:     options.log.With(slog.String("reader", options.name)),
		metrics: options.metrics,
		live:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Reader) Name() string       { return r.name }
func (r *Reader) State() ReaderState { return ReaderState(r.state.Load()) }

// Live is closed the first time the reader caught up with the store.
func (r *Reader) Live() <-chan struct{} { return r.live }

// Done is closed once the reader stopped, see Err for the reason.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Err is the reason the reader stopped on its own, nil after Stop.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) setState(s ReaderState) {
	prev := ReaderState(r.state.Swap(int32(s)))
	if prev != s {
		r.log.Debug("state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

func (r *Reader) markLive() {
	r.setState(ReaderLive)
	r.isLive.Store(true)
	r.liveOnce.Do(func() {
		r.log.Debug("became live")
		close(r.live)
	})
}

// Start subscribes from the checkpoint and blocks until the reader is live.
// Cancelling ctx stops the reader.
func (r *Reader) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(ReaderIdle), int32(ReaderCatchingUp)) {
		return ErrReaderStarted
	}

	r.log.Info(
		"starting reader",
		slog.String("handler", fmt.Sprintf("%T", r.handler)),
		slog.String("policy", r.opts.policy.String()),
	)

	fail := func(err error) error {
		r.setErr(err)
		r.setState(ReaderStopped)
		close(r.done)
		return err
	}

	if lc, ok := r.handler.(HandlerLifecycleStart); ok {
		if err := lc.Start(ctx); err != nil {
			return fail(fmt.Errorf("failed to start handler: %w", err))
		}
		r.log.Debug("handler started")
	}

	last, err := r.opts.cp.Get(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to load checkpoint: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.log.Info("subscribing", slog.Uint64("checkpoint", last))
	sub, err := r.subscribe(runCtx, last+1)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("failed to subscribe: %w", err))
	}

	go r.run(runCtx, sub, last)

	select {
	case <-r.live:
		return nil
	case <-r.done:
		if err := r.Err(); err != nil {
			return err
		}
		return errors.New("reader stopped before it was live")
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	}
}

// Stop cancels the subscription and waits for the handler to return.
func (r *Reader) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	r.stopOnce.Do(func() {
		cancel()
		<-r.done
	})
}

func (r *Reader) subscribe(ctx context.Context, from uint64) (Subscription, error) {
	if s := r.opts.stream; s != nil {
		return r.store.SubscribeToStream(ctx, s.aggType, s.aggID, Version(from))
	}
	return r.store.SubscribeToAll(ctx, from)
}

func (r *Reader) position(ev Envelope) uint64 {
	if r.opts.stream != nil {
		return ev.Version.Uint64()
	}
	return ev.Seq
}

func (r *Reader) run(ctx context.Context, sub Subscription, last uint64) {
	defer func() {
		if lc, ok := r.handler.(HandlerLifecycleShutdown); ok {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.shutdownTimeout)
			defer cancel()
			if err := lc.Shutdown(shutdownCtx); err != nil {
				r.log.Error("failed to shutdown handler", slog.Any("error", err))
			}
		}
		r.setState(ReaderStopped)
		r.log.Info("stopped", slog.Uint64("checkpoint", last))
		close(r.done)
	}()

	reconnect := r.opts.reconnect.newBackOff()
	for {
		err := r.consume(ctx, sub, &last)
		sub.Cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, ErrSubscriptionDropped) {
			r.setErr(err)
			r.log.Error("reader failed", slog.Any("error", err))
			return
		}

		r.setState(ReaderReconnecting)
		r.log.Warn("subscription dropped", slog.Any("error", err), slog.Uint64("checkpoint", last))

		sub, err = r.resubscribe(ctx, reconnect, last)
		if err != nil {
			if ctx.Err() == nil {
				r.setErr(err)
				r.log.Error("giving up", slog.Any("error", err))
			}
			return
		}
		reconnect.Reset()
	}
}

func (r *Reader) resubscribe(ctx context.Context, b backoff.BackOff, last uint64) (Subscription, error) {
	var attempts int
	for {
		attempts++
		delay := b.NextBackOff()
		r.metrics.ReaderReconnect(r.name)
		r.log.Info("reconnecting", slog.Int("attempt", attempts), slog.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		sub, err := r.subscribe(ctx, last+1)
		if err == nil {
			r.setState(ReaderCatchingUp)
			return sub, nil
		}
		r.log.Warn("reconnect failed", slog.Int("attempt", attempts), slog.Any("error", err))
		if limit := r.opts.maxReconnects; limit > 0 && attempts >= limit {
			return nil, fmt.Errorf("%w: reconnect failed after %d attempts: %w", ErrSubscriptionDropped, attempts, err)
		}
	}
}

// consume handles events until the subscription ends. It returns the drop
// reason, or the context error on stop.
func (r *Reader) consume(ctx context.Context, sub Subscription, last *uint64) error {
	head := sub.Head()
	if head <= *last {
		r.markLive()
	} else {
		r.setState(ReaderCatchingUp)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.Chan():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: channel closed", ErrSubscriptionDropped)
			}

			pos := r.position(ev)
			if pos <= *last {
				continue
			}

			if err := r.process(ctx, ev, pos); err != nil {
				return err
			}
			*last = pos

			if pos > head {
				head = pos
			}
			r.metrics.ReaderLag(r.name, int64(head-pos))
			if r.State() != ReaderLive && pos >= head {
				r.markLive()
			}
		}
	}
}

// process handles one event according to the failure policy and moves the
// checkpoint past it.
func (r *Reader) process(ctx context.Context, ev Envelope, pos uint64) error {
	switch r.opts.policy {
	case FailureSkip:
		if err := r.handle(ctx, ev, pos); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.skip(ev, err)
		}
	default:
		_, err := backoff.Retry(
			ctx,
			func() (struct{}, error) { return struct{}{}, r.handle(ctx, ev, pos) },
			backoff.WithBackOff(r.opts.retry.newBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, d time.Duration) {
				r.log.Warn("handler failed, retrying", ev.logAttrs(), slog.Duration("delay", d), slog.Any("error", err))
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event %s at %d cannot be handled: %w", ev.ID, pos, err)
		}
	}

	if err := r.opts.cp.Set(ctx, pos); err != nil {
		r.log.Error("failed to store checkpoint", slog.Uint64("position", pos), slog.Any("error", err))
	}
	return nil
}

func (r *Reader) skip(ev Envelope, err error) {
	r.metrics.ReaderEventSkipped(r.name, ev.Type)
	r.log.Warn("event skipped", ev.logAttrs(), slog.Any("error", err))
	if r.opts.onSkip != nil {
		r.opts.onSkip(ev, err)
	}
}

func (r *Reader) handle(ctx context.Context, ev Envelope, pos uint64) error {
	live := r.isLive.Load()

	defer r.metrics.ReaderEventDuration(ev.Type, live).ObserveDuration()

	evt, err := r.decoder.Decode(ev)
	if err != nil {
		r.metrics.ReaderEventProcessed(ev.Type, live, false)
		// retrying cannot fix the payload
		return backoff.Permanent(fmt.Errorf("failed to decode event: %w", err))
	}
	msgCtx := MsgCtx{
		ctx:  ctx,
		ev:   ev,
		evt:  evt,
		pos:  pos,
		live: live,
		log:  r.log.With(ev.logAttrs()),
	}
	if err := r.handler.Handle(msgCtx); err != nil {
		r.metrics.ReaderEventProcessed(ev.Type, live, false)
		return fmt.Errorf("failed to handle event: %w", err)
	}
	r.metrics.ReaderEventProcessed(ev.Type, live, true)
	return nil
}
