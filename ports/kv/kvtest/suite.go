// Package kvtest is the conformance suite of kv.Store implementations.
package kvtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/ports/kv"
)

type StoreFactory func(t *testing.T) kv.Store

type model struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// Suite checks the kv.Store contract. Each subtest gets a fresh store.
func Suite(t *testing.T, newStore StoreFactory) {
	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(t.Context(), "nope")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("put get delete", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, kv.Put(ctx, s, "p.1", model{Name: "P1", Age: 10}, kv.PutOptions{}))
		got, err := kv.Get[model](ctx, s, "p.1")
		require.NoError(t, err)
		require.Equal(t, model{Name: "P1", Age: 10}, got)

		// overwrite
		require.NoError(t, kv.Put(ctx, s, "p.1", model{Name: "P1", Age: 11}, kv.PutOptions{}))
		got, err = kv.Get[model](ctx, s, "p.1")
		require.NoError(t, err)
		require.Equal(t, 11, got.Age)

		require.NoError(t, s.Delete(ctx, "p.1"))
		_, err = s.Get(ctx, "p.1")
		require.ErrorIs(t, err, kv.ErrNotFound)

		// deleting twice is fine
		require.NoError(t, s.Delete(ctx, "p.1"))
	})

	t.Run("meta", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.Put(ctx, "m", kv.Entry{Data: []byte(`{}`), Meta: map[string]any{"owner": "x"}}, kv.PutOptions{}))
		e, err := s.Get(ctx, "m")
		require.NoError(t, err)
		require.JSONEq(t, `{}`, string(e.Data))
		require.Equal(t, "x", e.Meta["owner"])
	})

	t.Run("keys", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		for _, k := range []string{"rm.a.1", "rm.a.2", "rm.b.1", "cp.x"} {
			require.NoError(t, kv.Put(ctx, s, k, 1, kv.PutOptions{}))
		}
		keys, err := s.Keys(ctx, "rm.a.")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"rm.a.1", "rm.a.2"}, keys)

		require.NoError(t, s.Delete(ctx, "rm.a.1"))
		keys, err = s.Keys(ctx, "rm.")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"rm.a.2", "rm.b.1"}, keys)

		keys, err = s.Keys(ctx, "none.")
		require.NoError(t, err)
		require.Empty(t, keys)
	})

	t.Run("ttl", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, kv.Put(ctx, s, "ttl.a", 1, kv.PutOptions{TTL: time.Second}))
		require.NoError(t, kv.Put(ctx, s, "ttl.b", 2, kv.PutOptions{}))

		v, err := kv.Get[int](ctx, s, "ttl.a")
		require.NoError(t, err)
		require.Equal(t, 1, v)

		require.Eventually(t, func() bool {
			_, err := s.Get(ctx, "ttl.a")
			return err != nil
		}, 5*time.Second, 50*time.Millisecond)
		_, err = s.Get(ctx, "ttl.a")
		require.ErrorIs(t, err, kv.ErrNotFound)

		keys, err := s.Keys(ctx, "ttl.")
		require.NoError(t, err)
		require.Equal(t, []string{"ttl.b"}, keys)
	})
}
