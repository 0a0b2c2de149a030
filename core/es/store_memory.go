package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryStore is a correct optimistic store for tests and development.
// All events live in one global log; streams index into it.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	namer   StreamNamer
	all     []Envelope
	streams map[string][]Envelope
	purged  map[string]uint64 // stream -> highest purged seq
	notify  chan struct{}
	subs    map[*memSubscription]struct{}
}

type (
	memStoreOpts        struct{ log *slog.Logger }
	InMemoryStoreOption interface{ applyToMemStore(*memStoreOpts) }
)

func (o LogOption) applyToMemStore(opts *memStoreOpts) { opts.log = o.l }

func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	options := memStoreOpts{log: slog.Default()}
	for _, opt := range opts {
		opt.applyToMemStore(&options)
	}
	return &InMemoryStore{
		log:     options.log.With(slog.String("store", "memory")),
		namer:   DefaultStreamNamer,
		streams: map[string][]Envelope{},
		purged:  map[string]uint64{},
		notify:  make(chan struct{}),
		subs:    map[*memSubscription]struct{}{},
	}
}

func (s *InMemoryStore) ReadStream(
	_ context.Context,
	aggType, aggID string,
	from Version,
	_ ...ReadOption,
) (*StreamSlice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.streams[s.namer(aggType, aggID)]
	if !ok || len(events) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, aggType, aggID)
	}

	out := &StreamSlice{Head: events[len(events)-1].Version}
	for _, e := range events {
		if e.Version < from {
			continue
		}
		out.Events = append(out.Events, e)
	}
	return out, nil
}

func (s *InMemoryStore) AppendToStream(
	_ context.Context,
	aggType string,
	aggID string,
	expected ExpectedVersion,
	events []Envelope,
) (*AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = s.namer(aggType, aggID)
		curStream  = s.streams[sk]
		curVersion Version
	)
	if len(curStream) > 0 {
		curVersion = curStream[len(curStream)-1].Version
	}

	prepared, err := PrepareAppend(aggType, aggID, expected, curVersion, events)
	if err != nil {
		return nil, err
	}

	res := &AppendResult{}
	for i := range prepared {
		prepared[i].Seq = uint64(len(s.all)) + 1
		s.all = append(s.all, prepared[i])
		if res.FirstSeq == 0 {
			res.FirstSeq = prepared[i].Seq
		}
		res.LastSeq = prepared[i].Seq
		res.Version = prepared[i].Version
	}
	s.streams[sk] = append(curStream, prepared...)

	s.log.Debug(
		"append",
		slog.String("stream", sk),
		slog.Uint64("last_seq", res.LastSeq),
		slog.Int("num_events", len(prepared)),
	)

	// wake up subscriptions
	close(s.notify)
	s.notify = make(chan struct{})

	return res, nil
}

func (s *InMemoryStore) DeleteStream(_ context.Context, aggType, aggID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := s.namer(aggType, aggID)
	events, ok := s.streams[sk]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, aggType, aggID)
	}
	s.purged[sk] = events[len(events)-1].Seq
	delete(s.streams, sk)
	s.log.Debug("stream deleted", slog.String("stream", sk))
	return nil
}

func (s *InMemoryStore) SubscribeToAll(ctx context.Context, fromSeq uint64) (Subscription, error) {
	// head is the newest event that was not purged since
	s.mu.Lock()
	var head uint64
	for i := len(s.all) - 1; i >= 0; i-- {
		e := s.all[i]
		if e.Seq > s.purged[s.namer(e.AggregateType, e.AggregateID)] {
			head = e.Seq
			break
		}
	}
	s.mu.Unlock()

	start := 0
	if fromSeq > 1 {
		start = int(fromSeq - 1)
	}
	return s.subscribe(ctx, head, start, func(Envelope) bool { return true }), nil
}

func (s *InMemoryStore) SubscribeToStream(
	ctx context.Context,
	aggType, aggID string,
	from Version,
) (Subscription, error) {
	sk := s.namer(aggType, aggID)

	s.mu.Lock()
	var head uint64
	if events := s.streams[sk]; len(events) > 0 {
		head = events[len(events)-1].Version.Uint64()
	}
	s.mu.Unlock()

	return s.subscribe(ctx, head, 0, func(e Envelope) bool {
		return e.AggregateType == aggType && e.AggregateID == aggID && e.Version >= from
	}), nil
}

func (s *InMemoryStore) subscribe(
	ctx context.Context,
	head uint64,
	start int,
	match func(Envelope) bool,
) *memSubscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &memSubscription{
		ch:     make(chan Envelope, 64),
		head:   head,
		cancel: cancel,
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			close(sub.ch)
		}()

		next := start
		for {
			s.mu.Lock()
			var batch []Envelope
			for ; next < len(s.all); next++ {
				e := s.all[next]
				if e.Seq <= s.purged[s.namer(e.AggregateType, e.AggregateID)] {
					continue
				}
				if match(e) {
					batch = append(batch, e)
				}
			}
			notify := s.notify
			s.mu.Unlock()

			for _, e := range batch {
				select {
				case sub.ch <- e:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub
}

// DropSubscriptions terminates every open subscription with
// ErrSubscriptionDropped, the way a broken connection would.
func (s *InMemoryStore) DropSubscriptions() {
	s.mu.Lock()
	subs := make([]*memSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.drop(fmt.Errorf("%w: connection reset", ErrSubscriptionDropped))
	}
	s.log.Debug("dropped subscriptions", slog.Int("count", len(subs)))
}

// === Subscription ===

type memSubscription struct {
	ch     chan Envelope
	head   uint64
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (m *memSubscription) Chan() <-chan Envelope { return m.ch }
func (m *memSubscription) Head() uint64          { return m.head }
func (m *memSubscription) Cancel()               { m.cancel() }

func (m *memSubscription) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *memSubscription) drop(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.cancel()
}

var (
	_ EventStore   = (*InMemoryStore)(nil)
	_ Subscription = (*memSubscription)(nil)
)
