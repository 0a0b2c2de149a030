// Package cache provides a small key-value cache with LRU eviction and
// optional per-entry TTL. The event store uses it to keep recent snapshots
// in memory (see es.NewCachedSnapshotStore).
//
//	c := cache.NewLRU(cache.LRUOpts{Size: 1000})
//	c.Put("key", value, cache.WithTTL(5*time.Minute))
//	if val, ok := c.Get("key"); ok {
//	    // use val
//	}
//
// [NewTyped] wraps a Cache with a typed view; values of another type are
// treated as misses. [Nop] never stores anything.
package cache
