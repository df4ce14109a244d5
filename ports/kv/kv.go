// Package kv defines the key-value port used as the cache and snapshot
// backend. Implementations must support per-entry TTL and prefix scans.
// Entries past their TTL behave as absent even when the backing
// technology has not physically evicted them yet; callers that need
// physical eviction run their own prune pass over Scan.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte
	Meta map[string]any
}

type PutOptions struct {
	// TTL bounds the entry lifetime; zero means no expiry.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error

	// Scan returns all live keys with the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(entry.Data, &out)
	if err != nil {
		return
	}
	return
}
