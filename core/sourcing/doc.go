// Package sourcing is the write/read front of the event store. The
// Service validates and persists events with bounded retries, keeps the
// event cache warm on both paths, publishes a notification per stored
// event and tracks rolling statistics. Reads are cache-first with a
// single-flight store fallback.
package sourcing
