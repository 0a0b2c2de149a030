package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/codewandler/evsrc/core/cache"
	"github.com/codewandler/evsrc/ports/kv"
)

// KVSnapshotStore keeps the latest snapshot per aggregate in a kv.Store.
// Requests for an older version than the stored one miss.
type KVSnapshotStore struct {
	kv     kv.Store
	prefix string
}

func NewKVSnapshotStore(store kv.Store) *KVSnapshotStore {
	return &KVSnapshotStore{kv: store, prefix: "snapshot"}
}

func (s *KVSnapshotStore) key(objType, objID string) string {
	return kv.Key(s.prefix, objType, objID)
}

func (s *KVSnapshotStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return kv.Put(ctx, s.kv, s.key(snapshot.ObjType, snapshot.ObjID), snapshot, kv.PutOptions{})
}

func (s *KVSnapshotStore) GetLatest(ctx context.Context, objType, objID string, maxVersion Version) (*Snapshot, error) {
	ss, err := kv.Get[*Snapshot](ctx, s.kv, s.key(objType, objID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if ss == nil || ss.ObjVersion > maxVersion {
		return nil, ErrSnapshotNotFound
	}
	return ss, nil
}

func (s *KVSnapshotStore) DeleteSnapshots(ctx context.Context, objType, objID string) error {
	return s.kv.Delete(ctx, s.key(objType, objID))
}

var _ SnapshotStore = (*KVSnapshotStore)(nil)

// === Cached ===

// CachedSnapshotStore keeps recently used snapshots in memory in front of
// another SnapshotStore. Concurrent misses for the same aggregate share one
// backend read.
type CachedSnapshotStore struct {
	inner   SnapshotStore
	cache   cache.TypedCache[*Snapshot]
	group   singleflight.Group
	metrics ESMetrics
	log     *slog.Logger

	// guards read-then-put of cache entries against concurrent saves
	mu sync.Mutex
}

type (
	cachedSnapshotOpts struct {
		cache   cache.Cache
		metrics ESMetrics
		log     *slog.Logger
	}
	CachedSnapshotStoreOption interface {
		applyToCachedSnapshotStore(*cachedSnapshotOpts)
	}
	SnapshotCacheOption valueOption[cache.Cache]
)

func (o SnapshotCacheOption) applyToCachedSnapshotStore(opts *cachedSnapshotOpts) { opts.cache = o.v }
func (o ESMetricsOption) applyToCachedSnapshotStore(opts *cachedSnapshotOpts)     { opts.metrics = o.m }
func (o LogOption) applyToCachedSnapshotStore(opts *cachedSnapshotOpts)           { opts.log = o.l }

// WithSnapshotCache sets the cache of a CachedSnapshotStore.
func WithSnapshotCache(c cache.Cache) SnapshotCacheOption { return SnapshotCacheOption{v: c} }

// WithSnapshotCacheLRU caches up to size snapshots.
func WithSnapshotCacheLRU(size int) SnapshotCacheOption {
	return WithSnapshotCache(cache.NewLRU(cache.LRUOpts{Size: size}))
}

func NewCachedSnapshotStore(inner SnapshotStore, opts ...CachedSnapshotStoreOption) *CachedSnapshotStore {
	options := cachedSnapshotOpts{
		metrics: NopESMetrics(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt.applyToCachedSnapshotStore(&options)
	}
	if options.cache == nil {
		options.cache = cache.NewLRU(cache.LRUOpts{Size: 1024})
	}
	return &CachedSnapshotStore{
		inner:   inner,
		cache:   cache.NewTyped[*Snapshot](options.cache),
		metrics: options.metrics,
		log:     options.log.With(slog.String("snapshot_store", "cached")),
	}
}

func (c *CachedSnapshotStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := c.inner.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := kv.Key(snapshot.ObjType, snapshot.ObjID)
	if cur, ok := c.cache.Get(key); !ok || cur.ObjVersion <= snapshot.ObjVersion {
		c.cache.Put(key, snapshot)
	}
	return nil
}

func (c *CachedSnapshotStore) GetLatest(ctx context.Context, objType, objID string, maxVersion Version) (*Snapshot, error) {
	key := kv.Key(objType, objID)
	if ss, ok := c.cache.Get(key); ok && ss.ObjVersion <= maxVersion {
		c.metrics.CacheHit(objType)
		return ss, nil
	}
	c.metrics.CacheMiss(objType)

	v, err, shared := c.group.Do(key, func() (any, error) {
		ss, err := c.inner.GetLatest(ctx, objType, objID, MaxVersion)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if cur, ok := c.cache.Get(key); !ok || cur.ObjVersion <= ss.ObjVersion {
			c.cache.Put(key, ss)
		}
		c.mu.Unlock()
		return ss, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("shared snapshot load", slog.String("key", key))
	}

	ss := v.(*Snapshot)
	if ss.ObjVersion <= maxVersion {
		return ss, nil
	}
	// the newest snapshot is too new, ask the backend for an older one
	return c.inner.GetLatest(ctx, objType, objID, maxVersion)
}

func (c *CachedSnapshotStore) DeleteSnapshots(ctx context.Context, objType, objID string) error {
	c.mu.Lock()
	c.cache.Delete(kv.Key(objType, objID))
	c.mu.Unlock()
	return c.inner.DeleteSnapshots(ctx, objType, objID)
}

var _ SnapshotStore = (*CachedSnapshotStore)(nil)
