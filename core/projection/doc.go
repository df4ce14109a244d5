// Package projection builds read models by folding stored events
// through registered projection handlers. It mirrors the replay
// engine's fold, error-strategy and cancellation semantics but targets
// cross-aggregate read models instead of single-aggregate state, and
// keeps finished projection states in an LRU cache for queries.
package projection
