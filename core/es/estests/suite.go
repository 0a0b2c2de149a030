// Package estests holds behaviour tests of the es package and a conformance
// suite every EventStore implementation runs.
package estests

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/estests/domain"
	"github.com/codewandler/evsrc/core/lineage"
)

// StoreFactory returns an empty store. Cleanup is registered on t.
type StoreFactory func(t *testing.T) es.EventStore

func newRegistry() *es.EventRegistry {
	reg := es.NewRegistry()
	domain.NewAccount("").Register(reg)
	domain.NewCounter("").Register(reg)
	return reg
}

func deposits(amounts ...int64) []any {
	out := make([]any, len(amounts))
	for i, a := range amounts {
		out[i] = &domain.Deposited{Amount: a}
	}
	return out
}

func collect(t *testing.T, sub es.Subscription, n int) []es.Envelope {
	t.Helper()
	out := make([]es.Envelope, 0, n)
	timeout := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Chan():
			require.True(t, ok, "subscription closed after %d events: %v", len(out), sub.Err())
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout after %d of %d events", len(out), n)
		}
	}
	return out
}

// StoreSuite checks the EventStore contract.
func StoreSuite(t *testing.T, newStore StoreFactory) {
	reg := newRegistry()

	t.Run("read missing stream", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ReadStream(t.Context(), "account", "nope", 1)
		require.ErrorIs(t, err, es.ErrNotFound)
	})

	t.Run("append and read", func(t *testing.T) {
		s := newStore(t)
		res, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(1, 2, 3)...)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), res.Version)
		require.Equal(t, res.FirstSeq+2, res.LastSeq)

		slice, err := s.ReadStream(t.Context(), "account", "a1", 1)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), slice.Head)
		require.Len(t, slice.Events, 3)
		for i, e := range slice.Events {
			require.Equal(t, es.Version(i+1), e.Version)
			require.Equal(t, res.FirstSeq+uint64(i), e.Seq)
			require.Equal(t, "account.deposited", e.Type)
			require.NoError(t, e.Lineage().Validate())
		}

		evt, err := reg.Decode(slice.Events[1])
		require.NoError(t, err)
		require.Equal(t, &domain.Deposited{Amount: 2}, evt)

		slice, err = s.ReadStream(t.Context(), "account", "a1", 3)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), slice.Head)
		require.Len(t, slice.Events, 1)
	})

	t.Run("append empty batch", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendToStream(t.Context(), "account", "a1", es.NoStream(), nil)
		require.ErrorIs(t, err, es.ErrStoreNoEvents)
	})

	t.Run("expected version", func(t *testing.T) {
		s := newStore(t)
		_, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(1)...)
		require.NoError(t, err)

		_, err = es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(1)...)
		require.ErrorIs(t, err, es.ErrVersionConflict)
		var vc *es.VersionConflictError
		require.True(t, errors.As(err, &vc))
		require.Equal(t, es.Version(1), vc.Actual)
		require.True(t, vc.Expected.IsNoStream())

		_, err = es.AppendEvents(t.Context(), s, reg, "account", "a1", es.Exact(5), deposits(1)...)
		require.ErrorIs(t, err, es.ErrVersionConflict)

		res, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.Exact(1), deposits(2, 3)...)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), res.Version)

		// any version appends at the head
		res, err = es.AppendEvents(t.Context(), s, reg, "account", "a1", es.AnyVersion(), deposits(4)...)
		require.NoError(t, err)
		require.Equal(t, es.Version(4), res.Version)

		// conflicts leave the stream untouched
		slice, err := s.ReadStream(t.Context(), "account", "a1", 1)
		require.NoError(t, err)
		require.Len(t, slice.Events, 4)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		s := newStore(t)
		_, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(100)...)
		require.NoError(t, err)

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.Exact(1), deposits(1)...)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, es.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, ok)
		require.Equal(t, n-1, conflicts)

		slice, err := s.ReadStream(t.Context(), "account", "a1", 1)
		require.NoError(t, err)
		require.Equal(t, es.Version(2), slice.Head)
	})

	t.Run("batches are all or nothing", func(t *testing.T) {
		s := newStore(t)
		_, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(100)...)
		require.NoError(t, err)

		_, data, err := reg.Encode(&domain.Deposited{Amount: 1})
		require.NoError(t, err)
		encode := func(head es.Version, n int) []es.Envelope {
			out := make([]es.Envelope, n)
			for i := range out {
				l := lineage.Root()
				out[i] = es.Envelope{
					ID:            l.MsgID(),
					CorrelationID: l.CorrelationID(),
					Version:       head + es.Version(i+1),
					AggregateType: "account",
					AggregateID:   "a1",
					Type:          "account.deposited",
					OccurredAt:    time.Now(),
					Data:          data,
				}
			}
			return out
		}

		const (
			rounds    = 20
			batchSize = 5
		)
		for round := 0; round < rounds; round++ {
			slice, err := s.ReadStream(t.Context(), "account", "a1", 1)
			require.NoError(t, err)
			head := slice.Head

			batch := encode(head, batchSize)
			single := encode(head, 1)

			var (
				writers  sync.WaitGroup
				spinner  sync.WaitGroup
				done     = make(chan struct{})
				batchErr error
			)
			// lands whenever the stream is exactly one event past head
			spinner.Add(1)
			go func() {
				defer spinner.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					if _, err := s.AppendToStream(t.Context(), "account", "a1", es.Exact(head+1), encode(head+1, 1)); err == nil {
						return
					}
				}
			}()
			writers.Add(2)
			go func() {
				defer writers.Done()
				_, batchErr = s.AppendToStream(t.Context(), "account", "a1", es.Exact(head), batch)
			}()
			go func() {
				defer writers.Done()
				_, _ = s.AppendToStream(t.Context(), "account", "a1", es.Exact(head), single)
			}()
			writers.Wait()
			close(done)
			spinner.Wait()

			slice, err = s.ReadStream(t.Context(), "account", "a1", head+1)
			require.NoError(t, err)
			stored := map[string]es.Version{}
			for _, e := range slice.Events {
				stored[e.ID] = e.Version
			}

			if batchErr != nil {
				require.ErrorIs(t, batchErr, es.ErrVersionConflict)
				for _, e := range batch {
					require.NotContains(t, stored, e.ID, "round %d: event of a rejected batch was stored", round)
				}
				continue
			}
			for _, e := range batch {
				require.Equal(t, e.Version, stored[e.ID], "round %d", round)
			}
		}
	})

	t.Run("lineage is stored", func(t *testing.T) {
		s := newStore(t)
		cause := lineage.Root()
		l := lineage.Derive(cause)
		_, data, err := reg.Encode(&domain.Deposited{Amount: 1})
		require.NoError(t, err)

		_, err = s.AppendToStream(t.Context(), "account", "a1", es.NoStream(), []es.Envelope{{
			ID:            l.MsgID(),
			CorrelationID: l.CorrelationID(),
			CausationID:   l.CausationID(),
			Version:       1,
			AggregateType: "account",
			AggregateID:   "a1",
			Type:          "account.deposited",
			OccurredAt:    time.Now(),
			Data:          data,
		}})
		require.NoError(t, err)

		slice, err := s.ReadStream(t.Context(), "account", "a1", 1)
		require.NoError(t, err)
		got := slice.Events[0].Lineage()
		require.Equal(t, l, got)
		require.Equal(t, cause.MsgID(), got.CausationID())
		require.Equal(t, cause.CorrelationID(), got.CorrelationID())
	})

	t.Run("delete stream", func(t *testing.T) {
		s := newStore(t)
		_, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(1, 2)...)
		require.NoError(t, err)
		_, err = es.AppendEvents(t.Context(), s, reg, "account", "a2", es.NoStream(), deposits(7)...)
		require.NoError(t, err)

		require.NoError(t, s.DeleteStream(t.Context(), "account", "a1"))
		_, err = s.ReadStream(t.Context(), "account", "a1", 1)
		require.ErrorIs(t, err, es.ErrNotFound)
		require.ErrorIs(t, s.DeleteStream(t.Context(), "account", "a1"), es.ErrNotFound)

		// other streams are untouched
		slice, err := s.ReadStream(t.Context(), "account", "a2", 1)
		require.NoError(t, err)
		require.Len(t, slice.Events, 1)

		// recreated from scratch
		res, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(5)...)
		require.NoError(t, err)
		require.Equal(t, es.Version(1), res.Version)
	})

	t.Run("subscribe to all", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			_, err := es.AppendEvents(t.Context(), s, reg, "account", fmt.Sprintf("a%d", i), es.NoStream(), deposits(1)...)
			require.NoError(t, err)
		}

		sub, err := s.SubscribeToAll(t.Context(), 0)
		require.NoError(t, err)
		defer sub.Cancel()

		got := collect(t, sub, 3)
		require.Equal(t, got[2].Seq, sub.Head())

		_, err = es.AppendEvents(t.Context(), s, reg, "account", "a0", es.Exact(1), deposits(2)...)
		require.NoError(t, err)
		got = append(got, collect(t, sub, 1)...)

		for i := 1; i < len(got); i++ {
			require.Greater(t, got[i].Seq, got[i-1].Seq)
		}
		require.Equal(t, "a0", got[3].AggregateID)
		require.Equal(t, es.Version(2), got[3].Version)

		// resume after the second event
		sub2, err := s.SubscribeToAll(t.Context(), got[1].Seq+1)
		require.NoError(t, err)
		defer sub2.Cancel()
		rest := collect(t, sub2, 2)
		require.Equal(t, got[2].ID, rest[0].ID)
		require.Equal(t, got[3].ID, rest[1].ID)
	})

	t.Run("subscribe to stream", func(t *testing.T) {
		s := newStore(t)
		_, err := es.AppendEvents(t.Context(), s, reg, "account", "a1", es.NoStream(), deposits(1, 2, 3)...)
		require.NoError(t, err)
		_, err = es.AppendEvents(t.Context(), s, reg, "account", "other", es.NoStream(), deposits(9)...)
		require.NoError(t, err)

		sub, err := s.SubscribeToStream(t.Context(), "account", "a1", 2)
		require.NoError(t, err)
		defer sub.Cancel()
		require.Equal(t, uint64(3), sub.Head())

		_, err = es.AppendEvents(t.Context(), s, reg, "account", "a1", es.Exact(3), deposits(4)...)
		require.NoError(t, err)

		got := collect(t, sub, 3)
		for i, e := range got {
			require.Equal(t, "a1", e.AggregateID)
			require.Equal(t, es.Version(i+2), e.Version)
		}
	})

	t.Run("cancel closes the channel", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.SubscribeToAll(t.Context(), 0)
		require.NoError(t, err)
		sub.Cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-sub.Chan():
				return !ok
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})
}
