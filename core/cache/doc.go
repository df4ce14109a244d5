// Package cache provides a simple key-value cache interface with LRU
// eviction and TTL support. The projection engine uses it to hold
// rebuilt projection state between runs.
//
// The package defines two interfaces:
//
//   - [Cache]: Untyped cache storing values as any
//   - [TypedCache]: Generic type-safe wrapper via [NewTyped]
//
// # Implementations
//
// [LRU] provides an in-memory LRU cache that is safe for concurrent use.
// A background goroutine owns the cache state, ensuring thread safety
// without external locking.
//
//	c := cache.NewLRU(cache.LRUOpts{Size: 1000})
//	defer c.Close()
//
//	c.Put("key", value, cache.WithTTL(5*time.Minute))
//	if val, ok := c.Get("key"); ok {
//	    // Use val
//	}
//
// # Type-Safe Usage
//
// Use [NewTyped] for compile-time type safety:
//
//	states := cache.NewTyped[*OrderTotals](lru)
//	states.Put("orders:totals", totals)
//	if s, ok := states.Get("orders:totals"); ok {
//	    // s is *OrderTotals, no type assertion needed
//	}
//
// Expired entries are lazily evicted on access.
package cache
