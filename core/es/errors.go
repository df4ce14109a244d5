package es

import "errors"

var (
	// ErrValidation marks missing or invalid required fields. Operations
	// failing validation are rejected synchronously, before any I/O.
	ErrValidation = errors.New("validation failed")

	// ErrSizeLimitExceeded marks a payload over the configured serialized
	// size ceiling. Rejected before any I/O, no partial write occurs.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")

	// ErrStorageFailure marks a store operation that failed after
	// exhausting retries. Fatal for the operation, surfaced to the caller.
	ErrStorageFailure = errors.New("storage failure")

	// ErrCacheUnavailable marks a failed cache operation. Always
	// non-fatal: callers degrade to the authoritative store.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrFeatureDisabled is returned by any operation invoked while its
	// component is configured disabled.
	ErrFeatureDisabled = errors.New("feature disabled")

	// ErrEventNotFound is returned when a queried event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrAggregateNotFound is returned when no events exist for the
	// requested aggregate stream.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned on an append whose version is
	// not the next version of the stream.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
