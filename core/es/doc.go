// Package es defines the core event sourcing model: immutable events,
// the event store contract, the error taxonomy, and the health and
// notification surfaces shared by all components.
//
// # Events
//
// An [Event] is an immutable fact about an aggregate. Events carry a
// monotonically increasing, gap-free [Version] per (AggregateID,
// AggregateType) stream, starting at 1. Only the Status field of a
// persisted event may transition; everything else is fixed at creation.
//
// # Event Store
//
// [EventStore] is the authoritative, append-only log. Use
// [NewInMemoryStore] for testing or implement the interface for
// production storage (e.g., NATS JetStream via the adapters/nats
// package). Reads go through [EventQuery], which supports filtering by
// aggregate identity, event type, version range and time range.
//
// # Notifications
//
// Components publish [Notification] values through a [Notifier] on
// every stored event, snapshot lifecycle change, replay/projection
// lifecycle change and cleanup run. Delivery is fire-and-forget and
// must never block the originating operation.
package es
