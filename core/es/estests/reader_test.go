package estests

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/estests/domain"
)

// recorder is a Handler remembering what it saw.
type recorder struct {
	mu   sync.Mutex
	seen []es.MsgCtx
	fn   func(m es.MsgCtx) error
}

func (r *recorder) Handle(m es.MsgCtx) error {
	if r.fn != nil {
		if err := r.fn(m); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, m)
	return nil
}

func (r *recorder) positions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.seen))
	for i, m := range r.seen {
		out[i] = m.Position()
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.positions()) >= n }, 5*time.Second, 5*time.Millisecond)
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func appendDeposits(t *testing.T, te *es.TestingEnv, aggID string, from es.Version, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		te.Assert().Append(t.Context(), "account", aggID, es.ExpectVersion(from+es.Version(i)), &domain.Deposited{Amount: 1})
	}
}

func fastReconnect() es.ReaderOption {
	return es.WithReaderOpts(
		es.WithReconnectBackoff(time.Millisecond, 10*time.Millisecond),
		es.WithRetryBackoff(time.Millisecond, 10*time.Millisecond),
	)
}

func TestReader(t *testing.T) {
	te, _ := startAccounts(t)
	appendDeposits(t, te, "a1", 0, 3)

	rec := &recorder{}
	r := te.NewReader(rec, es.WithReaderName("test"), es.WithMiddlewares(es.NewLogMiddleware()))
	require.Equal(t, es.ReaderIdle, r.State())
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()

	// Start returns once caught up
	require.Equal(t, seqRange(1, 3), rec.positions())
	require.Equal(t, es.ReaderLive, r.State())
	select {
	case <-r.Live():
	default:
		t.Fatal("live channel not closed")
	}
	require.ErrorIs(t, r.Start(t.Context()), es.ErrReaderStarted)

	appendDeposits(t, te, "a1", 3, 2)
	rec.waitFor(t, 5)
	require.Equal(t, seqRange(1, 5), rec.positions())

	rec.mu.Lock()
	first, last := rec.seen[0], rec.seen[4]
	rec.mu.Unlock()
	require.False(t, first.Live())
	require.True(t, last.Live())
	require.Equal(t, &domain.Deposited{Amount: 1}, last.Event())
	require.Equal(t, es.Version(5), last.Version())
	require.Equal(t, last.Envelope().ID, last.Lineage().MsgID())

	r.Stop()
	require.Equal(t, es.ReaderStopped, r.State())
	require.NoError(t, r.Err())
	<-r.Done()
}

func TestReader_emptyStoreIsLive(t *testing.T) {
	te, _ := startAccounts(t)
	r := te.NewReader(&recorder{})
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()
	require.Equal(t, es.ReaderLive, r.State())
}

func TestReader_checkpoint(t *testing.T) {
	te, _ := startAccounts(t)
	appendDeposits(t, te, "a1", 0, 10)

	cp := es.NewInMemCpStore()
	require.NoError(t, cp.Set(t.Context(), 5))

	rec := &recorder{}
	r := te.NewReader(rec, es.WithCheckpoint(cp))
	require.NoError(t, r.Start(t.Context()))
	rec.waitFor(t, 5)
	r.Stop()

	require.Equal(t, seqRange(6, 10), rec.positions())
	last, err := cp.Get(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)

	// a restarted reader only sees new events
	appendDeposits(t, te, "a1", 10, 2)
	rec2 := &recorder{}
	r2 := te.NewReader(rec2, es.WithCheckpoint(cp))
	require.NoError(t, r2.Start(t.Context()))
	defer r2.Stop()
	rec2.waitFor(t, 2)
	require.Equal(t, seqRange(11, 12), rec2.positions())
}

// The subscription drops after 5 of 10 events; the reader reconnects from
// checkpoint 5 and gets 6 to 10 exactly once, in order.
func TestReader_reconnectsAfterDrop(t *testing.T) {
	te, _ := startAccounts(t)
	store := te.Store().(*es.InMemoryStore)
	appendDeposits(t, te, "a1", 0, 5)

	cp := es.NewInMemCpStore()
	rec := &recorder{}
	r := te.NewReader(rec, es.WithCheckpoint(cp), fastReconnect())
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()
	rec.waitFor(t, 5)

	store.DropSubscriptions()
	require.Eventually(t, func() bool { return r.State() == es.ReaderLive }, 5*time.Second, 5*time.Millisecond)

	appendDeposits(t, te, "a1", 5, 5)
	rec.waitFor(t, 10)

	// give duplicates a chance to show up
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, seqRange(1, 10), rec.positions())

	last, err := cp.Get(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)
	require.NoError(t, r.Err())
}

func TestReader_dropWhileCatchingUp(t *testing.T) {
	te, _ := startAccounts(t)
	store := te.Store().(*es.InMemoryStore)
	appendDeposits(t, te, "a1", 0, 10)

	var dropped atomic.Bool
	rec := &recorder{}
	rec.fn = func(m es.MsgCtx) error {
		if m.Position() == 5 && dropped.CompareAndSwap(false, true) {
			store.DropSubscriptions()
		}
		return nil
	}
	r := te.NewReader(rec, fastReconnect())
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()

	rec.waitFor(t, 10)
	time.Sleep(50 * time.Millisecond)
	require.True(t, dropped.Load())
	require.Equal(t, seqRange(1, 10), rec.positions())
}

func TestReader_failureSkip(t *testing.T) {
	te, _ := startAccounts(t)
	appendDeposits(t, te, "a1", 0, 5)

	var (
		skipped []es.Envelope
		errs    []error
	)
	rec := &recorder{fn: func(m es.MsgCtx) error {
		if m.Position() == 3 {
			return errors.New("boom")
		}
		return nil
	}}
	cp := es.NewInMemCpStore()
	r := te.NewReader(rec,
		es.WithCheckpoint(cp),
		es.WithFailurePolicy(es.FailureSkip),
		es.WithOnSkip(func(ev es.Envelope, err error) {
			skipped = append(skipped, ev)
			errs = append(errs, err)
		}),
	)
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()

	require.Equal(t, []uint64{1, 2, 4, 5}, rec.positions())
	require.Len(t, skipped, 1)
	require.Equal(t, uint64(3), skipped[0].Seq)
	require.ErrorContains(t, errs[0], "boom")

	last, err := cp.Get(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestReader_failureRetry(t *testing.T) {
	te, _ := startAccounts(t)
	appendDeposits(t, te, "a1", 0, 3)

	var attempts atomic.Int32
	rec := &recorder{fn: func(m es.MsgCtx) error {
		if m.Position() == 2 && attempts.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}}
	r := te.NewReader(rec, es.WithFailurePolicy(es.FailureRetry), fastReconnect())
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()

	require.Equal(t, seqRange(1, 3), rec.positions())
	require.Equal(t, int32(3), attempts.Load())
}

func TestReader_undecodableEvent(t *testing.T) {
	te, _ := startAccounts(t)
	appendDeposits(t, te, "a1", 0, 2)

	// this decoder knows no account events
	decoder := es.NewRegistry()

	t.Run("retry stops the reader", func(t *testing.T) {
		r := es.NewReader(te.Store(), decoder, &recorder{})
		err := r.Start(t.Context())
		require.ErrorIs(t, err, es.ErrUnknownEventType)
		<-r.Done()
		require.ErrorIs(t, r.Err(), es.ErrUnknownEventType)
		require.Equal(t, es.ReaderStopped, r.State())
	})

	t.Run("skip moves on", func(t *testing.T) {
		var skips atomic.Int32
		r := es.NewReader(te.Store(), decoder, &recorder{},
			es.WithFailurePolicy(es.FailureSkip),
			es.WithOnSkip(func(es.Envelope, error) { skips.Add(1) }),
		)
		require.NoError(t, r.Start(t.Context()))
		defer r.Stop()
		require.Equal(t, int32(2), skips.Load())
	})
}

type flakySubscriber struct {
	es.Subscriber
	down atomic.Bool
}

func (f *flakySubscriber) SubscribeToAll(ctx context.Context, fromSeq uint64) (es.Subscription, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.Subscriber.SubscribeToAll(ctx, fromSeq)
}

func TestReader_givesUpAfterMaxReconnects(t *testing.T) {
	te, _ := startAccounts(t)
	store := te.Store().(*es.InMemoryStore)
	sub := &flakySubscriber{Subscriber: store}

	r := es.NewReader(sub, te.Registry(), &recorder{}, fastReconnect(), es.WithMaxReconnects(3))
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()

	sub.down.Store(true)
	store.DropSubscriptions()

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not give up")
	}
	require.ErrorIs(t, r.Err(), es.ErrSubscriptionDropped)
	require.ErrorContains(t, r.Err(), "after 3 attempts")
	require.Equal(t, es.ReaderStopped, r.State())
}

func TestReader_singleStream(t *testing.T) {
	te, _ := startAccounts(t)
	appendDeposits(t, te, "a1", 0, 3)
	appendDeposits(t, te, "a2", 0, 2)

	rec := &recorder{}
	r := te.NewReader(rec, es.WithReaderStream("account", "a2"))
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()

	// positions are versions
	require.Equal(t, seqRange(1, 2), rec.positions())

	appendDeposits(t, te, "a1", 3, 1)
	appendDeposits(t, te, "a2", 2, 1)
	rec.waitFor(t, 3)
	require.Equal(t, seqRange(1, 3), rec.positions())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, m := range rec.seen {
		require.Equal(t, "a2", m.AggregateID())
	}
}

type lifecycleHandler struct {
	recorder
	started, stopped atomic.Bool
}

func (l *lifecycleHandler) Start(context.Context) error {
	l.started.Store(true)
	return nil
}

func (l *lifecycleHandler) Shutdown(context.Context) error {
	l.stopped.Store(true)
	return nil
}

func TestReader_lifecycle(t *testing.T) {
	te, _ := startAccounts(t)
	h := &lifecycleHandler{}
	r := te.NewReader(h)
	require.NoError(t, r.Start(t.Context()))
	require.True(t, h.started.Load())
	r.Stop()
	require.True(t, h.stopped.Load())
}

func TestReader_stopsWithContext(t *testing.T) {
	te, _ := startAccounts(t)
	ctx, cancel := context.WithCancel(t.Context())
	r := te.NewReader(&recorder{})
	require.NoError(t, r.Start(ctx))
	cancel()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop")
	}
	require.NoError(t, r.Err())
}
