// Package es provides event sourced aggregates, their persistence with
// optimistic concurrency and the readers that follow the event log.
//
// # Aggregates
//
// An aggregate embeds [BaseAggregate] and declares its dispatch table once,
// at construction. Command methods validate with the assert package and
// raise events with [RaiseAndApply]:
//
//	type Account struct {
//	    es.BaseAggregate
//	    Balance int64 `json:"balance"`
//	}
//
//	func NewAccount(id string) *Account {
//	    a := &Account{}
//	    a.Init("account", id,
//	        es.On(func(e *Deposited) { a.Balance += e.Amount }),
//	        es.On(func(e *Withdrawn) { a.Balance -= e.Amount }),
//	    )
//	    return a
//	}
//
//	func (a *Account) Withdraw(amount int64) error {
//	    return a.Checked(
//	        assert.True(amount <= a.Balance, "insufficient funds"),
//	        es.RaiseAndApplyD(a, &Withdrawn{Amount: amount}),
//	    )
//	}
//
// # Versions
//
// A new aggregate is at version 0, the n-th event of a stream carries
// version n. Saves expect the stream to be at the version the aggregate was
// loaded at ([NoStream] for new aggregates). A mismatch is a
// [*VersionConflictError]; nothing is retried here, callers reload and
// re-run their command.
//
// # Repository
//
//	repo := es.NewTypedRepository(log, store, registry, NewAccount,
//	    es.WithSnapshotStore(snapshots),
//	    es.WithSnapshotEvery(100),
//	)
//	acc, err := repo.GetByID(ctx, "account-123")
//	_ = acc.Withdraw(30)
//	err = repo.Save(ctx, acc, es.WithCausation(cmd))
//
// [TypedRepository.TryGetByID] reports found, not found and deleted
// aggregates as a [LoadResult] instead of errors.
//
// # Snapshots
//
// Snapshots are caches. A snapshot is only used if the event it was taken
// after is still in the stream; otherwise the repository replays the full
// stream and logs a warning.
//
// # Readers
//
// A [Reader] subscribes to all streams or to one, replays from its
// checkpoint, then follows new events. Dropped subscriptions are
// re-established with exponential backoff. [ProjectionUpdater] is a Handler
// that folds events into read models kept in a kv.Store.
//
// # Environment
//
// [Env] wires store, registry, repository and readers:
//
//	env := es.NewEnv(
//	    es.WithLog(logger),
//	    es.WithStore(store),
//	    es.WithAggregates(NewAccount("")),
//	    es.WithProjection(balances),
//	)
//	if err := env.Start(); err != nil { ... }
//	defer env.Shutdown()
package es
