// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// Only one execution of a function is in-flight for a given key at a
// time. If multiple goroutines call [Group.Do] with the same key
// concurrently, only the first call executes the function; the others
// block until it completes and receive the same result.
//
// The event-sourcing read path uses this to prevent a thundering herd on
// the authoritative store when a hot event or aggregate stream misses the
// cache.
package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent function calls with the same key.
type Group[T any] struct {
	group singleflight.Group
}

// Do executes fn for the given key, deduplicating concurrent calls.
// If a call is already in-flight for this key, Do blocks until it
// completes and returns the same result. fn executes at most once per
// key at any given time. shared reports whether the result was shared
// with other callers.
func (g *Group[T]) Do(key string, fn func() (T, error)) (out T, shared bool, err error) {
	v, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return out, shared, err
	}
	return v.(T), shared, nil
}

// New creates a new Group for type T.
func New[T any]() *Group[T] {
	return &Group[T]{}
}
