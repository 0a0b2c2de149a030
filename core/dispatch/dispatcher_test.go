package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/core/dispatch"
	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/estests/domain"
	"github.com/codewandler/evsrc/core/lineage"
)

type (
	openAccount struct{ Owner string }
	deposit     struct{ Amount int64 }
	withdraw    struct{ Amount int64 }
)

func (withdraw) CommandType() string { return "account.withdraw" }

type bank struct {
	te   *es.TestingEnv
	repo es.TypedRepository[*domain.Account]
	d    *dispatch.Dispatcher
}

// newBank wires account commands into a dispatcher. With bridge, a Reader
// publishes stored events to the dispatcher's subscribers.
func newBank(t *testing.T, bridge bool, opts ...dispatch.Option) *bank {
	t.Helper()
	d := dispatch.New(opts...)
	t.Cleanup(d.Close)

	envOpts := []es.EnvOption{es.WithAggregates(domain.NewAccount(""))}
	if bridge {
		envOpts = append(envOpts, es.WithReader(dispatch.EventHandler(d), es.WithReaderName("dispatch")))
	}
	te := es.StartTestEnv(t, envOpts...)
	b := &bank{te: te, repo: es.Repo(te.Env, domain.NewAccount), d: d}

	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, cmd openAccount) error {
		a, err := b.repo.GetOrCreate(cc, cc.Target())
		if err != nil {
			return err
		}
		if err := a.Open(cmd.Owner); err != nil {
			return err
		}
		return b.repo.Save(cc, a, es.WithCausation(cc))
	})
	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, cmd *deposit) error {
		a, err := b.repo.GetByID(cc, cc.Target())
		if err != nil {
			return err
		}
		if err := a.Deposit(cmd.Amount); err != nil {
			return err
		}
		return b.repo.Save(cc, a, es.WithCausation(cc))
	})
	return b
}

func (b *bank) open(t *testing.T, id string, balance int64) {
	t.Helper()
	require.NoError(t, b.d.Send(t.Context(), dispatch.NewCommand(id, openAccount{Owner: "owner-" + id})))
	if balance > 0 {
		require.NoError(t, b.d.Send(t.Context(), dispatch.NewCommand(id, &deposit{Amount: balance})))
	}
}

func TestDispatcher_send(t *testing.T) {
	b := newBank(t, false)
	ctx := t.Context()

	cmd := dispatch.NewCommand("acc", openAccount{Owner: "erin"})
	require.True(t, cmd.Lineage().IsRoot())
	require.NoError(t, b.d.Send(ctx, cmd))

	// value and pointer payloads reach the same handler
	require.NoError(t, b.d.Send(ctx, dispatch.NewCommand("acc", deposit{Amount: 5})))
	require.NoError(t, b.d.Send(ctx, dispatch.NewCommand("acc", &deposit{Amount: 5})))

	a, err := b.repo.GetByID(ctx, "acc")
	require.NoError(t, err)
	require.Equal(t, "erin", a.Owner)
	require.EqualValues(t, 10, a.Balance)

	// events are caused by their command
	slice, err := b.te.Store().ReadStream(ctx, "account", "acc", 1)
	require.NoError(t, err)
	require.Equal(t, cmd.Lineage().MsgID(), slice.Events[0].CausationID)
	require.Equal(t, cmd.Lineage().CorrelationID(), slice.Events[0].CorrelationID)

	// domain errors come back unchanged
	err = b.d.Send(ctx, dispatch.NewCommand("acc", openAccount{Owner: "again"}))
	require.ErrorIs(t, err, es.ErrDomainRuleViolation)
}

func TestDispatcher_noHandler(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	err := d.Send(t.Context(), dispatch.NewCommand("acc", withdraw{Amount: 1}))
	require.ErrorIs(t, err, dispatch.ErrNoHandler)
	require.ErrorContains(t, err, "account.withdraw")
}

func TestDispatcher_duplicateHandler(t *testing.T) {
	d := dispatch.New()
	defer d.Close()

	h := func(dispatch.CommandCtx, withdraw) error { return nil }
	require.NoError(t, dispatch.HandleCommand(d, h))
	require.ErrorIs(t, dispatch.HandleCommand(d, h), dispatch.ErrDuplicateHandler)
	// *withdraw is the same command type
	require.ErrorIs(t, dispatch.HandleCommand(d, func(dispatch.CommandCtx, *withdraw) error { return nil }), dispatch.ErrDuplicateHandler)
	require.Panics(t, func() { dispatch.MustHandleCommand(d, h) })
}

func TestDispatcher_timeout(t *testing.T) {
	d := dispatch.New(dispatch.WithCommandTimeout(time.Hour))
	defer d.Close()

	var (
		release  = make(chan struct{})
		finished atomic.Bool
	)
	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, _ withdraw) error {
		<-release
		finished.Store(true)
		return nil
	})

	err := d.Send(t.Context(), dispatch.NewCommand("acc", withdraw{}), dispatch.WithCommandTimeout(20*time.Millisecond))
	require.ErrorIs(t, err, dispatch.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the outcome is unknown: the handler still completes
	close(release)
	require.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)

	t.Run("caller deadline", func(t *testing.T) {
		d := dispatch.New()
		defer d.Close()
		dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, _ withdraw) error {
			<-cc.Done()
			return cc.Err()
		})
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, d.Send(ctx, dispatch.NewCommand("acc", withdraw{})), dispatch.ErrTimeout)
	})

	t.Run("caller cancel", func(t *testing.T) {
		d := dispatch.New()
		defer d.Close()
		dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, _ withdraw) error {
			<-cc.Done()
			return cc.Err()
		})
		ctx, cancel := context.WithCancel(t.Context())
		time.AfterFunc(10*time.Millisecond, cancel)
		err := d.Send(ctx, dispatch.NewCommand("acc", withdraw{}))
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, dispatch.ErrTimeout)
	})
}

func TestDispatcher_handlerPanic(t *testing.T) {
	d := dispatch.New()
	defer d.Close()
	dispatch.MustHandleCommand(d, func(dispatch.CommandCtx, withdraw) error { panic("boom") })

	err := d.Send(t.Context(), dispatch.NewCommand("acc", withdraw{}))
	require.ErrorIs(t, err, dispatch.ErrPanic)
	require.ErrorContains(t, err, "boom")
}

func TestDispatcher_conflictRetries(t *testing.T) {
	for _, tc := range []struct {
		name     string
		retries  int
		wantErr  error
		attempts int32
	}{
		{name: "surfaced without retries", retries: 0, wantErr: es.ErrVersionConflict, attempts: 1},
		{name: "retried at the command layer", retries: 2, attempts: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newBank(t, false, dispatch.WithConflictRetries(tc.retries))
			b.open(t, "acc", 100)

			var attempts atomic.Int32
			dispatch.MustHandleCommand(b.d, func(cc dispatch.CommandCtx, cmd withdraw) error {
				attempts.Store(int32(cc.Attempt()))
				a, err := b.repo.GetByID(cc, cc.Target())
				if err != nil {
					return err
				}
				if cc.Attempt() == 1 {
					// a concurrent writer gets in first
					b.te.Assert().Append(cc, "account", "acc", es.Exact(a.GetVersion()), &domain.Deposited{Amount: 1})
				}
				if err := a.Withdraw(cmd.Amount); err != nil {
					return err
				}
				return b.repo.Save(cc, a, es.WithCausation(cc))
			})

			err := b.d.Send(t.Context(), dispatch.NewCommand("acc", withdraw{Amount: 30}))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.attempts, attempts.Load())

			a, err := b.repo.GetByID(t.Context(), "acc")
			require.NoError(t, err)
			if tc.wantErr != nil {
				require.EqualValues(t, 101, a.Balance)
			} else {
				require.EqualValues(t, 71, a.Balance)
			}
		})
	}
}

func TestDispatcher_serialTargets(t *testing.T) {
	b := newBank(t, false, dispatch.WithSerialTargets())
	b.open(t, "acc", 1000)
	dispatch.MustHandleCommand(b.d, func(cc dispatch.CommandCtx, cmd withdraw) error {
		a, err := b.repo.GetByID(cc, cc.Target())
		if err != nil {
			return err
		}
		if err := a.Withdraw(cmd.Amount); err != nil {
			return err
		}
		return b.repo.Save(cc, a)
	})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.d.Send(t.Context(), dispatch.NewCommand("acc", withdraw{Amount: 10}))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	a, err := b.repo.GetByID(t.Context(), "acc")
	require.NoError(t, err)
	require.EqualValues(t, 800, a.Balance)
}

func TestDispatcher_closed(t *testing.T) {
	d := dispatch.New(dispatch.WithSerialTargets())
	d.Close()
	d.Close()
	dispatch.MustHandleCommand(d, func(dispatch.CommandCtx, withdraw) error { return nil })
	require.ErrorIs(t, d.Send(t.Context(), dispatch.NewCommand("acc", withdraw{})), dispatch.ErrClosed)
	require.ErrorIs(t, d.Publish(t.Context(), lineage.Root(), &domain.Deposited{}), dispatch.ErrClosed)
}

func subscribeThree(d *dispatch.Dispatcher, delivered *atomic.Int32) {
	dispatch.SubscribeEvent(d, "ok", func(ec dispatch.EventCtx, e domain.Deposited) error {
		delivered.Add(1)
		return nil
	})
	dispatch.SubscribeEvent(d, "fails", func(ec dispatch.EventCtx, e *domain.Deposited) error {
		delivered.Add(1)
		return errors.New("nope")
	})
	dispatch.SubscribeEvent(d, "panics", func(ec dispatch.EventCtx, e *domain.Deposited) error {
		delivered.Add(1)
		panic("kaboom")
	})
}

func TestDispatcher_publish(t *testing.T) {
	src := lineage.Root()

	t.Run("no subscribers", func(t *testing.T) {
		d := dispatch.New()
		defer d.Close()
		require.NoError(t, d.Publish(t.Context(), src, &domain.Withdrawn{Amount: 1}))
	})

	t.Run("failures are returned without a listener", func(t *testing.T) {
		d := dispatch.New()
		defer d.Close()
		var delivered atomic.Int32
		subscribeThree(d, &delivered)

		err := d.Publish(t.Context(), src, &domain.Deposited{Amount: 1})
		require.Equal(t, int32(3), delivered.Load())
		require.ErrorContains(t, err, "nope")
		require.ErrorIs(t, err, dispatch.ErrPanic)

		var ee *dispatch.EventError
		require.True(t, errors.As(err, &ee))
		require.Equal(t, "account.deposited", ee.EventType)
		require.Equal(t, src, ee.Lineage)
	})

	t.Run("error handler", func(t *testing.T) {
		var (
			mu     sync.Mutex
			failed []string
		)
		d := dispatch.New(dispatch.WithErrorHandler(func(ee *dispatch.EventError) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, ee.Subscriber)
		}))
		defer d.Close()
		var delivered atomic.Int32
		subscribeThree(d, &delivered)

		require.NoError(t, d.Publish(t.Context(), src, &domain.Deposited{Amount: 1}))
		require.Equal(t, int32(3), delivered.Load())
		require.ElementsMatch(t, []string{"fails", "panics"}, failed)
	})

	t.Run("error channel", func(t *testing.T) {
		d := dispatch.New()
		defer d.Close()
		var delivered atomic.Int32
		subscribeThree(d, &delivered)
		errs := d.Errors()

		require.NoError(t, d.Publish(t.Context(), src, &domain.Deposited{Amount: 1}))
		got := []string{(<-errs).Subscriber, (<-errs).Subscriber}
		require.ElementsMatch(t, []string{"fails", "panics"}, got)
	})
}

// Events a Reader observes reach subscribers with their stored lineage, and
// commands sent from a subscriber continue the chain.
func TestEventHandler(t *testing.T) {
	b := newBank(t, true)
	d := b.d

	type seen struct {
		l   lineage.Lineage
		env es.Envelope
	}
	opened := make(chan seen, 1)
	dispatch.SubscribeEvent(d, "welcome-bonus", func(ec dispatch.EventCtx, e *domain.Opened) error {
		env, ok := ec.Envelope()
		require.True(t, ok)
		opened <- seen{l: ec.Lineage(), env: env}
		return ec.Send(env.AggregateID, &deposit{Amount: 25})
	})

	cmd := dispatch.NewCommand("acc", openAccount{Owner: "frank"})
	require.NoError(t, d.Send(t.Context(), cmd))

	var s seen
	select {
	case s = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("opened not delivered")
	}
	require.Equal(t, s.env.Lineage(), s.l)
	require.Equal(t, cmd.Lineage().MsgID(), s.l.CausationID())

	require.Eventually(t, func() bool {
		a, err := b.repo.GetByID(t.Context(), "acc")
		return err == nil && a.Balance == 25
	}, 5*time.Second, 5*time.Millisecond)

	slice, err := b.te.Store().ReadStream(t.Context(), "account", "acc", 2)
	require.NoError(t, err)
	bonus := slice.Events[0].Lineage()
	require.Equal(t, cmd.Lineage().CorrelationID(), bonus.CorrelationID())
	require.NotEqual(t, s.l.MsgID(), bonus.CausationID(), "caused by the derived command")
}
