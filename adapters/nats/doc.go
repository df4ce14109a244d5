// Package nats backs the event store, the cache/snapshot key-value
// port and the notifier with NATS JetStream.
package nats
