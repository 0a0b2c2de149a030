package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/core/dispatch"
	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/estests/domain"
)

func familyNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	require.NotNil(t, m)

	m.StoreLoadDuration("account").ObserveDuration()
	m.StoreAppendDuration("account").ObserveDuration()
	m.EventsAppended("account", 5)
	m.RepoLoadDuration("account").ObserveDuration()
	m.RepoSaveDuration("account").ObserveDuration()
	m.ConcurrencyConflict("account")
	m.CacheHit("account")
	m.CacheMiss("account")
	m.SnapshotLoadDuration("account").ObserveDuration()
	m.SnapshotSaveDuration("account").ObserveDuration()
	m.SnapshotSaveFailed("account")
	m.SnapshotDiscarded("account")
	m.ReaderEventDuration("account.opened", true).ObserveDuration()
	m.ReaderEventProcessed("account.opened", true, true)
	m.ReaderEventProcessed("account.opened", false, false)
	m.ReaderEventSkipped("balances", "account.opened")
	m.ReaderReconnect("balances")
	m.ReaderLag("balances", 100)
	m.ProjectionApplied("balances", true)

	names := familyNames(t, reg)
	for _, n := range []string{
		"evsrc_es_store_load_duration_seconds",
		"evsrc_es_events_appended_total",
		"evsrc_es_repo_load_duration_seconds",
		"evsrc_es_snapshot_cache_hits_total",
		"evsrc_es_snapshot_save_failures_total",
		"evsrc_es_reader_events_skipped_total",
		"evsrc_es_reader_reconnects_total",
		"evsrc_es_reader_lag",
		"evsrc_es_projection_events_total",
	} {
		assert.True(t, names[n], n)
	}

	em := m.(*esMetrics)
	assert.Equal(t, 5.0, testutil.ToFloat64(em.eventsAppended.WithLabelValues("account")))
	assert.Equal(t, 100.0, testutil.ToFloat64(em.readerLag.WithLabelValues("balances")))
}

func TestNewDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatchMetrics(reg)
	require.NotNil(t, m)

	m.CommandDuration("deposit").ObserveDuration()
	m.CommandHandled("deposit", true)
	m.CommandHandled("deposit", false)
	m.CommandTimeout("deposit")
	m.CommandRetried("deposit")
	m.EventDelivered("account.deposited", true)
	m.HandlerPanic("deposit")

	names := familyNames(t, reg)
	assert.True(t, names["evsrc_dispatch_command_duration_seconds"])
	assert.True(t, names["evsrc_dispatch_commands_total"])
	assert.True(t, names["evsrc_dispatch_command_retries_total"])
	assert.True(t, names["evsrc_dispatch_panics_total"])
}

func TestNewAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllMetrics(reg)
	require.NotNil(t, m.ES)
	require.NotNil(t, m.Dispatch)

	m.ES.CacheHit("account")
	m.Dispatch.CommandHandled("deposit", true)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

type deposit struct {
	Amount int64
}

func TestMetrics_wired(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllMetrics(reg)
	ctx := t.Context()

	env := es.StartTestEnv(t,
		es.WithMetrics(m.ES),
		es.WithAggregates(domain.NewAccount("")),
	)
	repo := es.Repo(env.Env, domain.NewAccount)

	d := dispatch.New(dispatch.WithMetrics(m.Dispatch))
	t.Cleanup(d.Close)
	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, cmd deposit) error {
		acc, err := repo.GetOrCreate(cc, cc.Target())
		if err != nil {
			return err
		}
		if acc.GetVersion() == 0 {
			if err := acc.Open("ann"); err != nil {
				return err
			}
		}
		if err := acc.Deposit(cmd.Amount); err != nil {
			return err
		}
		return repo.Save(cc, acc, es.WithCausation(cc))
	})

	require.NoError(t, d.Send(ctx, dispatch.NewCommand("acc-1", deposit{Amount: 5})))
	require.NoError(t, d.Send(ctx, dispatch.NewCommand("acc-1", deposit{Amount: 7})))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ES.eventsAppended.WithLabelValues("account")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatch.commandsTotal.WithLabelValues(typeName(deposit{}), "true")))
}

func typeName(v any) string {
	return dispatch.NewCommand("", v).Type()
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}
