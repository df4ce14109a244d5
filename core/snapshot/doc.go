// Package snapshot manages materialized aggregate state: creation gated
// by a version interval, retrieval with corruption detection, retention
// cleanup on a cron schedule, and a reversible encode pipeline
// (compression, encryption) applied to the serialized state.
//
// A snapshot is created only when the version delta since the last known
// snapshot of the aggregate reaches the configured interval; calls below
// the interval are idempotent no-op successes. Creation for the same
// aggregate is serialized through a per-key scheduler so the interval
// gate never races with itself in-process. Cross-process coordination is
// explicitly out of scope.
package snapshot
