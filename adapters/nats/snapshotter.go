package nats

import (
	"github.com/evohq/sourcing-go/core/snapshot"
)

// NewSnapshotStore creates a JetStream key-value backed snapshot store.
func NewSnapshotStore(cfg KVConfig) (*snapshot.KVStore, error) {
	bucket, err := NewKV(cfg)
	if err != nil {
		return nil, err
	}
	return snapshot.NewKVStore(bucket), nil
}
