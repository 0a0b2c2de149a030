package estests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/estests/domain"
	"github.com/codewandler/evsrc/ports/kv"
)

type balance struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Events  int    `json:"events"`
}

func newBalances(t *testing.T, store kv.Store) *es.ProjectionUpdater[balance] {
	t.Helper()
	p, err := es.NewProjectionUpdater(es.ProjectionConfig[balance]{
		Name:  "balances",
		Store: store,
		New:   func(key string) balance { return balance{Owner: "unknown"} },
		Folds: []es.ProjectionFold[balance]{
			es.ProjectOn(func(m *balance, e *domain.Opened, _ es.Envelope) error {
				m.Owner = e.Owner
				m.Events++
				return nil
			}),
			es.ProjectOn(func(m *balance, e *domain.Deposited, _ es.Envelope) error {
				m.Balance += e.Amount
				m.Events++
				return nil
			}),
			es.ProjectOn(func(m *balance, e *domain.Withdrawn, _ es.Envelope) error {
				m.Balance -= e.Amount
				m.Events++
				return nil
			}),
		},
	})
	require.NoError(t, err)
	return p
}

func TestProjectionUpdater_config(t *testing.T) {
	_, err := es.NewProjectionUpdater(es.ProjectionConfig[balance]{Store: kv.NewMemStore()})
	require.Error(t, err)
	_, err = es.NewProjectionUpdater(es.ProjectionConfig[balance]{Name: "x"})
	require.Error(t, err)
}

func TestProjectionUpdater_apply(t *testing.T) {
	te, repo := startAccounts(t)
	ctx := t.Context()
	p := newBalances(t, kv.NewMemStore())
	require.Equal(t, "balances", p.Name())

	a := repo.New("acc")
	require.NoError(t, a.Open("carol"))
	require.NoError(t, a.Deposit(40))
	require.NoError(t, a.Withdraw(15))
	require.NoError(t, repo.Save(ctx, a))

	slice, err := te.Store().ReadStream(ctx, "account", "acc", 1)
	require.NoError(t, err)

	_, err = p.Get(ctx, "acc")
	require.ErrorIs(t, err, es.ErrReadModelNotFound)

	for _, ev := range slice.Events {
		evt, err := te.Registry().Decode(ev)
		require.NoError(t, err)
		applied, err := p.Apply(ctx, ev, evt)
		require.NoError(t, err)
		require.True(t, applied)
	}

	rm, err := p.Get(ctx, "acc")
	require.NoError(t, err)
	require.Equal(t, balance{Owner: "carol", Balance: 25, Events: 3}, rm.Model)
	require.Equal(t, es.Version(3), rm.Sources["account-acc"])
	require.WithinDuration(t, time.Now(), rm.UpdatedAt, time.Minute)

	t.Run("redelivery is a no-op", func(t *testing.T) {
		for _, ev := range slice.Events {
			evt, err := te.Registry().Decode(ev)
			require.NoError(t, err)
			applied, err := p.Apply(ctx, ev, evt)
			require.NoError(t, err)
			require.False(t, applied)
		}
		again, err := p.Get(ctx, "acc")
		require.NoError(t, err)
		require.Equal(t, rm.Model, again.Model)
	})

	t.Run("unhandled events are ignored", func(t *testing.T) {
		applied, err := p.Apply(ctx, es.Envelope{
			Type:          es.AggregateDeleted{}.EventType(),
			AggregateType: "account",
			AggregateID:   "acc",
			Version:       4,
		}, &es.AggregateDeleted{})
		require.NoError(t, err)
		require.False(t, applied)
	})

	t.Run("models are created lazily", func(t *testing.T) {
		b := repo.New("other")
		require.NoError(t, b.Deposit(5))
		require.NoError(t, repo.Save(ctx, b))
		slice, err := te.Store().ReadStream(ctx, "account", "other", 1)
		require.NoError(t, err)

		applied, err := p.Apply(ctx, slice.Events[0], &domain.Deposited{Amount: 5})
		require.NoError(t, err)
		require.True(t, applied)

		rm, err := p.Get(ctx, "other")
		require.NoError(t, err)
		require.Equal(t, balance{Owner: "unknown", Balance: 5, Events: 1}, rm.Model)

		all, err := p.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, "acc", all[0].Key)
		require.Equal(t, "other", all[1].Key)
	})
}

func TestProjectionUpdater_env(t *testing.T) {
	store := kv.NewMemStore()
	p := newBalances(t, store)
	cp := es.NewKVCpStore(store, "balances")

	te, repo := startAccounts(t, es.WithProjection(p, es.WithCheckpoint(cp)))
	ctx := t.Context()

	a := repo.New("acc")
	require.NoError(t, a.Open("dave"))
	require.NoError(t, a.Deposit(10))
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, a.Deposit(7))
	require.NoError(t, repo.Save(ctx, a))

	require.Eventually(t, func() bool {
		rm, err := p.Get(ctx, "acc")
		return err == nil && rm.Model.Balance == 17
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		last, err := cp.Get(ctx)
		return err == nil && last == a.GetSeq()
	}, 5*time.Second, 5*time.Millisecond)

	// a second reader replaying from zero changes nothing
	r := te.NewReader(p)
	require.NoError(t, r.Start(ctx))
	r.Stop()

	rm, err := p.Get(ctx, "acc")
	require.NoError(t, err)
	require.Equal(t, balance{Owner: "dave", Balance: 17, Events: 3}, rm.Model)
}
