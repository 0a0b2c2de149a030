package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/evsrc/adapters/nats"
	"github.com/codewandler/evsrc/adapters/redis"
	"github.com/codewandler/evsrc/adapters/sqlite"
	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/ports/kv"
)

// backend is the storage of one run: the event log and the kv.Store holding
// snapshots, the checkpoint and the read models.
type backend struct {
	store   es.EventStore
	kv      kv.Store
	cleanup []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

func openBackend(ctx context.Context, log *slog.Logger, cfg Config) (*backend, error) {
	b := &backend{}

	switch cfg.Backend {
	case "mem":
		b.store = es.NewInMemoryStore(es.WithLog(log))
		b.kv = kv.NewMemStore()

	case "sqlite":
		db, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, Log: log})
		if err != nil {
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { _ = db.Close() })
		b.store = sqlite.NewEventStore(db, sqlite.WithLog(log))
		b.kv = sqlite.NewKVStore(db)

	case "nats":
		connect := nats.ConnectDefault()
		if cfg.NATSURL != "" {
			connect = nats.ConnectURL(cfg.NATSURL)
		}
		connect = nats.ReuseConnection(connect)

		store, err := nats.NewEventStore(nats.EventStoreConfig{
			Connect:       connect,
			Log:           log,
			SubjectPrefix: "evsrc.loadtest",
			StreamName:    "EVSRC_LOADTEST",
		})
		if err != nil {
			return nil, fmt.Errorf("nats event store: %w", err)
		}
		b.cleanup = append(b.cleanup, func() { _ = store.Close() })
		b.store = store

		kvs, err := nats.NewKVStore(ctx, nats.KVConfig{
			Connect: connect,
			Log:     log,
			Bucket:  "evsrc_loadtest",
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("nats kv: %w", err)
		}
		b.cleanup = append(b.cleanup, kvs.Close)
		b.kv = kvs

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	// read models may live apart from the log
	if cfg.RedisAddr != "" {
		rkv, err := redis.NewKVStore(ctx, redis.Config{Addr: cfg.RedisAddr, KeyPrefix: "evsrc:loadtest:", Log: log})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis kv: %w", err)
		}
		b.cleanup = append(b.cleanup, func() { _ = rkv.Close() })
		b.kv = rkv
	}

	return b, nil
}
