// Package eventcache implements the read-through/write-through cache in
// front of the authoritative event store.
//
// The cache stores one entry per event and one version-ordered index per
// aggregate stream referencing the member events. It is a derived,
// disposable projection of the store and is never authoritative: every
// operation is best-effort, and a backend failure degrades the cache to
// a no-op (reads miss, writes are skipped) until the backend becomes
// reachable again.
//
// A background loop periodically emits health/hit-rate telemetry and
// prunes entries past expiry that the backing technology did not already
// evict.
package eventcache
