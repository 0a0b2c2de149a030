package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/lineage"
	"github.com/codewandler/evsrc/core/perkey"
)

type (
	commandHandler func(cc CommandCtx, payload any) error

	subscriber struct {
		name string
		fn   func(ec EventCtx, payload any) error
	}
)

// Dispatcher routes commands to exactly one handler and events to any number
// of subscribers. It is an explicit instance, created with New and released
// with Close.
type Dispatcher struct {
	opts   options
	log    *slog.Logger
	serial *perkey.Scheduler[string]

	mu       sync.RWMutex
	commands map[string]commandHandler
	events   map[string][]subscriber
	errs     chan *EventError
	closed   bool
}

func New(opts ...Option) *Dispatcher {
	options := options{
		log:       slog.Default(),
		metrics:   NopMetrics(),
		errBuffer: 64,
	}
	for _, opt := range opts {
		opt.applyToDispatcher(&options)
	}
	d := &Dispatcher{
		opts:     options,
		log:      options.log.With(slog.String("component", "dispatcher")),
		commands: map[string]commandHandler{},
		events:   map[string][]subscriber{},
	}
	if options.serialTargets {
		d.serial = perkey.New[string]()
	}
	return d
}

// HandleCommand registers the handler of command type C. A second handler
// for the same type is rejected with ErrDuplicateHandler.
func HandleCommand[C any](d *Dispatcher, fn func(cc CommandCtx, cmd C) error) error {
	cmdType := typeFor[C]()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.commands[cmdType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, cmdType)
	}
	d.commands[cmdType] = func(cc CommandCtx, payload any) error {
		cmd, ok := as[C](payload)
		if !ok {
			return fmt.Errorf("command %s: unexpected payload %T", cmdType, payload)
		}
		return fn(cc, cmd)
	}
	d.log.Debug("command handler registered", slog.String("type", cmdType))
	return nil
}

// MustHandleCommand is HandleCommand for setup code. It panics on duplicates.
func MustHandleCommand[C any](d *Dispatcher, fn func(cc CommandCtx, cmd C) error) {
	if err := HandleCommand(d, fn); err != nil {
		panic(err)
	}
}

// SubscribeEvent adds a subscriber for event type E. Subscribers run in
// registration order of their type but concurrently to each other.
func SubscribeEvent[E any](d *Dispatcher, name string, fn func(ec EventCtx, evt E) error) {
	evtType := typeFor[E]()
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("%s#%d", evtType, len(d.events[evtType]))
	}
	d.events[evtType] = append(d.events[evtType], subscriber{
		name: name,
		fn: func(ec EventCtx, payload any) error {
			evt, ok := as[E](payload)
			if !ok {
				return fmt.Errorf("event %s: unexpected payload %T", evtType, payload)
			}
			return fn(ec, evt)
		},
	})
	d.log.Debug("event subscriber registered", slog.String("type", evtType), slog.String("subscriber", name))
}

// Errors returns the channel subscriber failures are reported to. Once it was
// requested, Publish no longer returns subscriber errors. Readers must keep
// up or Publish blocks.
func (d *Dispatcher) Errors() <-chan *EventError {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errs == nil {
		d.errs = make(chan *EventError, d.opts.errBuffer)
	}
	return d.errs
}

// Send runs the handler of cmd and returns its error. ErrNoHandler is
// returned when nothing handles the command type. When the timeout or the
// deadline of ctx passes first, Send returns ErrTimeout while the handler
// may still be running.
func (d *Dispatcher) Send(ctx context.Context, cmd Command, opts ...SendOption) error {
	sendOpts := sendOptions{timeout: d.opts.timeout}
	for _, opt := range opts {
		opt.applyToSend(&sendOpts)
	}

	cmdType := cmd.Type()
	d.mu.RLock()
	h, ok := d.commands[cmdType]
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, cmdType)
	}

	if sendOpts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sendOpts.timeout)
		defer cancel()
	}

	log := d.log.With(cmd.logAttrs())
	timer := d.opts.metrics.CommandDuration(cmdType)
	done := make(chan error, 1)
	go func() {
		done <- d.run(ctx, log, cmd, h)
	}()

	select {
	case err := <-done:
		timer.ObserveDuration()
		d.opts.metrics.CommandHandled(cmdType, err == nil)
		if err != nil {
			log.Debug("command failed", slog.Any("error", err))
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.opts.metrics.CommandTimeout(cmdType)
			log.Warn("command timed out, outcome unknown")
			return fmt.Errorf("%w: %s: %w", ErrTimeout, cmdType, ctx.Err())
		}
		return ctx.Err()
	}
}

// run executes the handler, serialized per target and retried on version
// conflicts when configured.
func (d *Dispatcher) run(ctx context.Context, log *slog.Logger, cmd Command, h commandHandler) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		cc := &commandCtx{Context: ctx, d: d, log: log, cmd: cmd, attempt: attempt}
		err := d.call(cmd.Type(), func() error { return h(cc, cmd.Payload) })
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, es.ErrVersionConflict) && attempt <= d.opts.conflictRetries {
			d.opts.metrics.CommandRetried(cmd.Type())
			log.Debug("version conflict, retrying", slog.Int("attempt", attempt))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	exec := func() error {
		if d.opts.conflictRetries == 0 {
			_, err := op()
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return perm.Unwrap()
			}
			return err
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 5 * time.Millisecond
		b.MaxInterval = 250 * time.Millisecond
		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(d.opts.conflictRetries+1)),
		)
		return err
	}

	if d.serial == nil || cmd.Target == "" {
		return exec()
	}
	return d.serial.DoContext(ctx, cmd.Target, exec)
}

// Publish delivers evt to every subscriber of its type concurrently. A
// failing or panicking subscriber does not affect the others. Failures go to
// the error handler or the Errors channel; without either they are returned
// joined.
func (d *Dispatcher) Publish(ctx context.Context, src lineage.Source, evt any) error {
	return d.publish(ctx, src.Lineage(), nil, evt)
}

func (d *Dispatcher) publish(ctx context.Context, l lineage.Lineage, env *es.Envelope, evt any) error {
	evtType := typeOf(evt)
	d.mu.RLock()
	subs := d.events[evtType]
	errs := d.errs
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if len(subs) == 0 {
		return nil
	}

	log := d.log.With(slog.String("event_type", evtType), l.SlogAttr())
	var (
		mu       sync.Mutex
		failures []*EventError
		g        errgroup.Group
	)
	for _, sub := range subs {
		g.Go(func() error {
			ec := &eventCtx{
				Context: ctx,
				d:       d,
				log:     log.With(slog.String("subscriber", sub.name)),
				lineage: l,
				env:     env,
			}
			err := d.call(evtType, func() error { return sub.fn(ec, evt) })
			d.opts.metrics.EventDelivered(evtType, err == nil)
			if err == nil {
				return nil
			}
			ee := &EventError{EventType: evtType, Subscriber: sub.name, Lineage: l, Err: err}
			ec.log.Warn("subscriber failed", slog.Any("error", err))
			mu.Lock()
			failures = append(failures, ee)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return nil
	}
	switch {
	case d.opts.errHandler != nil:
		for _, f := range failures {
			d.opts.errHandler(f)
		}
		return nil
	case errs != nil:
		for _, f := range failures {
			select {
			case errs <- f:
			case <-ctx.Done():
				log.Error("dropped subscriber failure", slog.Any("error", f))
			}
		}
		return nil
	default:
		joined := make([]error, len(failures))
		for i, f := range failures {
			joined[i] = f
		}
		return errors.Join(joined...)
	}
}

// call runs fn and turns a panic into ErrPanic.
func (d *Dispatcher) call(msgType string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.opts.metrics.HandlerPanic(msgType)
			d.log.Error("handler panicked",
				slog.String("type", msgType),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: %s: %v", ErrPanic, msgType, r)
		}
	}()
	return fn()
}

// Close rejects further commands and events. Commands already queued for a
// target still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	if d.serial != nil {
		d.serial.Close()
	}
}

func as[T any](v any) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	if p, ok := v.(*T); ok && p != nil {
		return *p, true
	}
	// T is *V and v is a V
	rv, tt := reflect.ValueOf(v), reflect.TypeFor[T]()
	if rv.IsValid() && tt.Kind() == reflect.Pointer && rv.Type() == tt.Elem() {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		return p.Interface().(T), true
	}
	var zero T
	return zero, false
}
