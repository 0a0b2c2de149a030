// Package perkey provides a scheduler that serializes work per key
// while allowing work for different keys to execute concurrently.
//
// The dispatcher uses it to run commands for one aggregate one at a time,
// which keeps optimistic concurrency conflicts between local callers rare.
package perkey

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize  int
	idleTimeout time.Duration
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithIdleTimeout stops the worker of a key after it had nothing to do for d
// (default: 1m). Zero keeps workers until Close.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.idleTimeout = d
		}
	}
}

// Scheduler runs tasks such that for any given key K, tasks are executed
// sequentially, in submission order. Tasks for different keys can proceed
// in parallel.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	wg         sync.WaitGroup // in-flight enqueues
	bufferSize int
	idle       time.Duration
}

type worker struct {
	tasks chan *task
	// tasks handed out but not finished, guarded by Scheduler.mu
	pending int
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64, idleTimeout: time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
		idle:       cfg.idleTimeout,
	}
}

// Do schedules fn to run for the given key and waits for its result.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation. A task that was
// enqueued before ctx ended still runs; the caller just stops waiting.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	w := s.getOrCreateWorkerLocked(key)
	w.pending++
	s.mu.Unlock()

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case w.tasks <- t:
		s.wg.Done()
	case <-ctx.Done():
		s.mu.Lock()
		w.pending--
		s.mu.Unlock()
		s.wg.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of keys with a running worker.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting new tasks. Queued tasks still run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// no sends may be in flight when the channels close
	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) getOrCreateWorkerLocked(key K) *worker {
	w, ok := s.workers[key]
	if ok {
		return w
	}

	w = &worker{
		tasks: make(chan *task, s.bufferSize),
	}
	s.workers[key] = w
	go s.run(key, w)

	return w
}

// run processes the tasks of one key until the channel closes or the worker
// was idle for too long.
func (s *Scheduler[K]) run(key K, w *worker) {
	var idle <-chan time.Time
	var timer *time.Timer
	if s.idle > 0 {
		timer = time.NewTimer(s.idle)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			t.done <- call(t.fn)
			s.mu.Lock()
			w.pending--
			s.mu.Unlock()
		case <-idle:
			s.mu.Lock()
			if w.pending == 0 && s.workers[key] == w {
				delete(s.workers, key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
		if timer != nil {
			timer.Reset(s.idle)
		}
	}
}

func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return fn()
}

// ----- Errors -----

var (
	// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
	ErrSchedulerClosed = &SchedulerError{"scheduler is closed"}
	ErrTaskPanicked    = &SchedulerError{"task panicked"}
)

// SchedulerError is a simple error implementation.
type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string { return e.msg }
