package estests

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/estests/domain"
	"github.com/codewandler/evsrc/core/lineage"
)

func startAccounts(t *testing.T, opts ...es.EnvOption) (*es.TestingEnv, es.TypedRepository[*domain.Account]) {
	te := es.StartTestEnv(t, append([]es.EnvOption{es.WithAggregates(domain.NewAccount(""))}, opts...)...)
	return te, es.Repo(te.Env, domain.NewAccount)
}

func TestRepository_notFound(t *testing.T) {
	te, repo := startAccounts(t)

	require.ErrorIs(t, te.Repository().Load(t.Context(), domain.NewAccount("nope")), es.ErrNotFound)

	_, err := repo.GetByID(t.Context(), "nope")
	require.ErrorIs(t, err, es.ErrNotFound)

	res, err := repo.TryGetByID(t.Context(), "nope")
	require.NoError(t, err)
	require.Equal(t, es.NotFound, res.Status)
	require.Nil(t, res.Aggregate)

	a, err := repo.GetOrCreate(t.Context(), "nope")
	require.NoError(t, err)
	require.Equal(t, es.Version(0), a.GetVersion())
	require.Equal(t, "nope", a.GetID())
}

func TestRepository_saveAndLoad(t *testing.T) {
	_, repo := startAccounts(t)
	require.Equal(t, "account", repo.GetAggType())

	a := repo.New("acc-1")
	require.NoError(t, a.Open("alice"))
	require.NoError(t, a.Deposit(50))
	require.NoError(t, a.Withdraw(20))
	require.Equal(t, es.Version(3), a.PendingVersion())
	require.NoError(t, repo.Save(t.Context(), a))
	require.Equal(t, es.Version(3), a.GetVersion())
	require.Empty(t, a.Uncommitted())
	require.NotZero(t, a.GetSeq())

	loaded, err := repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(3), loaded.GetVersion())
	require.Equal(t, a.GetSeq(), loaded.GetSeq())
	require.Equal(t, "alice", loaded.Owner)
	require.EqualValues(t, 30, loaded.Balance)
	require.Equal(t, 2, loaded.Ops)

	// nothing to save is a no-op
	require.NoError(t, repo.Save(t.Context(), loaded))
	require.Equal(t, es.Version(3), loaded.GetVersion())
}

// Deposit 100 then race two withdrawals on copies loaded at the same version.
func TestRepository_account123(t *testing.T) {
	_, repo := startAccounts(t)
	ctx := t.Context()

	a := repo.New("account-123")
	require.Equal(t, es.Version(0), a.GetVersion())
	require.NoError(t, a.Deposit(100))
	require.NoError(t, repo.Save(ctx, a))
	require.Equal(t, es.Version(1), a.GetVersion())

	c1, err := repo.GetByID(ctx, "account-123")
	require.NoError(t, err)
	c2, err := repo.GetByID(ctx, "account-123")
	require.NoError(t, err)

	require.NoError(t, c1.Withdraw(30))
	require.NoError(t, c2.Withdraw(40))

	require.NoError(t, repo.Save(ctx, c1))
	require.Equal(t, es.Version(2), c1.GetVersion())

	err = repo.Save(ctx, c2)
	require.ErrorIs(t, err, es.ErrVersionConflict)
	var vc *es.VersionConflictError
	require.True(t, errors.As(err, &vc))
	require.Equal(t, es.Version(2), vc.Actual)
	require.Equal(t, es.Version(1), vc.Expected.Version())
	// the loser keeps its buffer, nothing was written
	require.Len(t, c2.Uncommitted(), 1)

	final, err := repo.GetByID(ctx, "account-123")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), final.GetVersion())
	require.EqualValues(t, 70, final.Balance)
}

func TestRepository_concurrentSaves(t *testing.T) {
	_, repo := startAccounts(t)
	ctx := t.Context()

	a := repo.New("acc")
	require.NoError(t, a.Deposit(1000))
	require.NoError(t, repo.Save(ctx, a))

	const n = 10
	copies := make([]*domain.Account, n)
	for i := range copies {
		c, err := repo.GetByID(ctx, "acc")
		require.NoError(t, err)
		require.NoError(t, c.Withdraw(10))
		copies[i] = c
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for _, c := range copies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Save(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else if assert.ErrorIs(t, err, es.ErrVersionConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, won)
	require.Equal(t, n-1, conflicts)
}

func TestRepository_domainRules(t *testing.T) {
	_, repo := startAccounts(t)

	a := repo.New("acc")
	require.NoError(t, a.Deposit(10))

	err := a.Withdraw(11)
	require.ErrorIs(t, err, es.ErrDomainRuleViolation)
	require.ErrorContains(t, err, "insufficient funds")

	err = a.Deposit(-5)
	require.ErrorIs(t, err, es.ErrDomainRuleViolation)
	require.ErrorContains(t, err, "amount must be positive")

	// failed commands leave no trace
	require.Len(t, a.Uncommitted(), 1)
	require.EqualValues(t, 10, a.Balance)

	err = es.RaiseAndApply(a, &domain.Deposited{Amount: 1}, &domain.Withdrawn{Amount: 0})
	require.ErrorIs(t, err, es.ErrDomainRuleViolation)
	require.Len(t, a.Uncommitted(), 1)
	require.EqualValues(t, 10, a.Balance)

	err = es.RaiseAndApply(a, &domain.Incremented{Inc: 1})
	require.ErrorIs(t, err, es.ErrUnhandledEventType)
	require.Len(t, a.Uncommitted(), 1)
}

func TestRepository_loadDirty(t *testing.T) {
	te, repo := startAccounts(t)

	a := repo.New("acc")
	require.NoError(t, a.Deposit(10))
	require.Error(t, te.Repository().Load(t.Context(), a))
}

func TestRepository_catchUp(t *testing.T) {
	te, repo := startAccounts(t)
	ctx := t.Context()

	a := repo.New("acc")
	require.NoError(t, a.Deposit(10))
	require.NoError(t, repo.Save(ctx, a))

	te.Assert().Append(ctx, "account", "acc", es.Exact(1), &domain.Deposited{Amount: 5})

	// loading an aggregate with state folds the tail only
	require.NoError(t, te.Repository().Load(ctx, a))
	require.Equal(t, es.Version(2), a.GetVersion())
	require.EqualValues(t, 15, a.Balance)
}

func TestRepository_softDelete(t *testing.T) {
	te, repo := startAccounts(t)
	ctx := t.Context()

	a := repo.New("acc")
	require.ErrorIs(t, repo.Delete(ctx, a), es.ErrNotFound)

	require.NoError(t, a.Deposit(10))
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, repo.Delete(ctx, a))
	require.True(t, a.IsDeleted())
	require.Equal(t, es.Version(2), a.GetVersion())

	_, err := repo.GetByID(ctx, "acc")
	require.ErrorIs(t, err, es.ErrDeleted)

	res, err := repo.TryGetByID(ctx, "acc")
	require.NoError(t, err)
	require.Equal(t, es.Deleted, res.Status)
	require.EqualValues(t, 10, res.Aggregate.Balance)
	require.True(t, res.Aggregate.IsDeleted())

	// deleted aggregates take no commands
	require.ErrorIs(t, res.Aggregate.Deposit(1), es.ErrDeleted)
	require.ErrorIs(t, repo.Delete(ctx, res.Aggregate), es.ErrDeleted)

	// the tombstone is an ordinary event
	slice, err := te.Store().ReadStream(ctx, "account", "acc", 1)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), slice.Head)
	require.Equal(t, es.AggregateDeleted{}.EventType(), slice.Events[1].Type)
}

func TestRepository_hardDelete(t *testing.T) {
	te, repo := startAccounts(t)
	ctx := t.Context()

	a := repo.New("acc")
	require.NoError(t, a.Deposit(10))
	require.NoError(t, repo.Save(ctx, a, es.WithSnapshot(true)))

	require.NoError(t, repo.HardDelete(ctx, "acc"))
	require.ErrorIs(t, repo.HardDelete(ctx, "acc"), es.ErrNotFound)

	_, err := repo.GetByID(ctx, "acc")
	require.ErrorIs(t, err, es.ErrNotFound)

	_, err = te.Snapshots().GetLatest(ctx, "account", "acc", es.MaxVersion)
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)

	// the id can be reused
	b := repo.New("acc")
	require.NoError(t, b.Deposit(3))
	require.NoError(t, repo.Save(ctx, b))
	require.Equal(t, es.Version(1), b.GetVersion())

	loaded, err := repo.GetByID(ctx, "acc")
	require.NoError(t, err)
	require.EqualValues(t, 3, loaded.Balance)
}

func TestRepository_lineage(t *testing.T) {
	te, repo := startAccounts(t)
	ctx := t.Context()

	t.Run("root chain per save", func(t *testing.T) {
		a := repo.New("acc-root")
		require.NoError(t, a.Deposit(1))
		require.NoError(t, a.Deposit(2))
		require.NoError(t, repo.Save(ctx, a))

		slice, err := te.Store().ReadStream(ctx, "account", "acc-root", 1)
		require.NoError(t, err)
		first, second := slice.Events[0].Lineage(), slice.Events[1].Lineage()
		require.True(t, first.IsRoot())
		require.Equal(t, first.CorrelationID(), second.CorrelationID())
		require.Equal(t, first.MsgID(), second.CausationID())
	})

	t.Run("caused by a command", func(t *testing.T) {
		cmd := lineage.Root()

		a := repo.New("acc-cmd")
		require.NoError(t, a.Deposit(1))
		require.NoError(t, a.Deposit(2))
		require.NoError(t, repo.Save(ctx, a, es.WithCausation(cmd)))

		slice, err := te.Store().ReadStream(ctx, "account", "acc-cmd", 1)
		require.NoError(t, err)
		for _, e := range slice.Events {
			require.Equal(t, cmd.CorrelationID(), e.CorrelationID)
			require.Equal(t, cmd.MsgID(), e.CausationID)
			require.NotEqual(t, cmd.MsgID(), e.ID)
		}

		// a follow-up command derived from the event continues the chain
		next := lineage.Derive(slice.Events[1])
		b, err := repo.GetByID(ctx, "acc-cmd")
		require.NoError(t, err)
		require.NoError(t, b.Withdraw(1))
		require.NoError(t, repo.Save(ctx, b, es.WithCausation(next)))

		slice, err = te.Store().ReadStream(ctx, "account", "acc-cmd", 3)
		require.NoError(t, err)
		require.Equal(t, cmd.CorrelationID(), slice.Events[0].CorrelationID)
		require.Equal(t, next.MsgID(), slice.Events[0].CausationID)
	})
}

// slowRegisterCounter widens the window between a type being seen and its
// events being registered.
type slowRegisterCounter struct{ *domain.Counter }

func (c *slowRegisterCounter) Register(r es.Registrar) {
	time.Sleep(20 * time.Millisecond)
	c.Counter.Register(r)
}

func TestRepository_concurrentFirstLoads(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemoryStore()
	_, err := es.AppendEvents(ctx, store, newRegistry(), "counter", "c", es.NoStream(),
		&domain.Incremented{Inc: 2}, &domain.Incremented{Inc: 3})
	require.NoError(t, err)

	// the repository learns the event types on first use
	repo := es.NewTypedRepository(slog.Default(), store, es.NewRegistry(), func(id string) *slowRegisterCounter {
		return &slowRegisterCounter{Counter: domain.NewCounter(id)}
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := repo.GetByID(ctx, "c")
			if assert.NoError(t, err) {
				assert.Equal(t, 5, got.Value)
			}
		}()
	}
	wg.Wait()
}
