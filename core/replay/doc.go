// Package replay reconstructs aggregate state by folding the event
// stream through a registered, per-aggregate-type state builder.
//
// A replay is deterministic: the same event sequence through the same
// builder always yields the same final state. Builders must keep
// ApplyEvent pure: no clock or randomness reads inside the reducer.
//
// Replays can start from the newest eligible snapshot instead of the
// initial state when the range is large enough, honor per-event error
// strategies (stop, skip, retry), report progress at a configured
// cadence, and are cooperatively cancellable between event
// applications.
package replay
