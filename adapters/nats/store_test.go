package nats

import (
	"strings"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/core/es/estests"
	"github.com/codewandler/evsrc/core/es/estests/domain"
)

// testName is a stream and bucket safe name unique to t.
func testName(t *testing.T) string {
	var b strings.Builder
	for _, r := range strings.ToLower(t.Name()) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > 24 {
		name = name[len(name)-24:]
	}
	return name + "_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 6)
}

func newTestStore(t *testing.T, connect Connector) *EventStore {
	t.Helper()
	name := testName(t)
	store, err := NewEventStore(EventStoreConfig{
		Connect:       connect,
		StreamName:    name,
		SubjectPrefix: "test." + name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEventStore(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))
	estests.StoreSuite(t, func(t *testing.T) es.EventStore { return newTestStore(t, connect) })
}

func TestEventStore_streamConfig(t *testing.T) {
	store := newTestStore(t, NewTestContainer(t))

	si, err := store.stream.Info(t.Context())
	require.NoError(t, err)
	require.Equal(t, strings.ToUpper(store.streamName), si.Config.Name)
	require.Equal(t, []string{store.subjectPrefix + ".>"}, si.Config.Subjects)
	require.True(t, si.Config.DenyDelete)

	subj, err := store.subjectForAggregate("account", "acc-1")
	require.NoError(t, err)
	require.Equal(t, store.subjectPrefix+".account.acc-1", subj)

	for _, id := range []string{"", "a.b", "a*", "a>", "a b"} {
		_, err := store.subjectForAggregate("account", id)
		require.Error(t, err, id)
	}
}

func TestEventStore_noDanglingConsumers(t *testing.T) {
	store := newTestStore(t, NewTestContainer(t))
	ctx := t.Context()

	reg := es.NewRegistry()
	es.RegisterEventFor[domain.Opened](reg)
	_, err := es.AppendEvents(ctx, store, reg, "account", "acc-1", es.NoStream(), &domain.Opened{Owner: "ann"})
	require.NoError(t, err)
	_, err = store.ReadStream(ctx, "account", "acc-1", 1)
	require.NoError(t, err)

	names := store.stream.ConsumerNames(ctx)
	all := make([]string, 0)
	for n := range names.Name() {
		all = append(all, n)
	}
	require.NoError(t, names.Err())
	require.Empty(t, all)
}

func TestEventStore_batchIsOneMessage(t *testing.T) {
	store := newTestStore(t, NewTestContainer(t))
	ctx := t.Context()

	reg := es.NewRegistry()
	domain.NewAccount("").Register(reg)
	res, err := es.AppendEvents(ctx, store, reg, "account", "acc-1", es.NoStream(),
		&domain.Opened{Owner: "ann"}, &domain.Deposited{Amount: 1}, &domain.Deposited{Amount: 2})
	require.NoError(t, err)
	require.Equal(t, msgSeqOf(res.FirstSeq), msgSeqOf(res.LastSeq))
	require.Equal(t, res.FirstSeq+2, res.LastSeq)

	si, err := store.stream.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), si.State.Msgs)

	res2, err := es.AppendEvents(ctx, store, reg, "account", "acc-1", es.Exact(3), &domain.Deposited{Amount: 3})
	require.NoError(t, err)
	require.Greater(t, res2.FirstSeq, res.LastSeq)
}

func TestEventStore_readFromStartSeq(t *testing.T) {
	store := newTestStore(t, NewTestContainer(t))
	ctx := t.Context()

	reg := es.NewRegistry()
	domain.NewAccount("").Register(reg)
	var results []*es.AppendResult
	for i := range 4 {
		res, err := es.AppendEvents(ctx, store, reg, "account", "acc-1", es.ExpectVersion(es.Version(i)),
			&domain.Deposited{Amount: int64(i + 1)})
		require.NoError(t, err)
		results = append(results, res)
	}

	// starting at the third append skips the first two messages
	slice, err := store.ReadStream(ctx, "account", "acc-1", 3, es.WithStartSeq(results[2].FirstSeq))
	require.NoError(t, err)
	require.Equal(t, es.Version(4), slice.Head)
	require.Len(t, slice.Events, 2)
	require.Equal(t, es.Version(3), slice.Events[0].Version)
	require.Equal(t, results[2].FirstSeq, slice.Events[0].Seq)

	// a start past the head reads nothing
	slice, err = store.ReadStream(ctx, "account", "acc-1", 1, es.WithStartSeq(position(msgSeqOf(results[3].LastSeq)+1, 0)))
	require.NoError(t, err)
	require.Equal(t, es.Version(4), slice.Head)
	require.Empty(t, slice.Events)
}
