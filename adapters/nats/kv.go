package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/evohq/sourcing-go/ports/kv"
)

type KVConfig struct {
	Connect Connector
	Bucket  string

	// MaxBytes bounds the bucket (default: 64MiB).
	MaxBytes int64
}

// KV implements the key-value port on a JetStream KeyValue bucket.
// Entry TTLs are enforced in the envelope: an expired entry reads as
// absent and is deleted on access. Scan runs a prune over expired keys
// as a side effect.
type KV struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

// kvEnvelope is the stored form of one entry. ExpiresAt is zero for
// entries without TTL.
type kvEnvelope struct {
	Data      []byte         `json:"data"`
	Meta      map[string]any `json:"meta,omitempty"`
	ExpiresAt time.Time      `json:"expires_at,omitzero"`
}

func (e kvEnvelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func NewKV(cfg KVConfig) (*KV, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}

	return &KV{kv: bucket, closeNc: closeNc}, nil
}

func (k *KV) Close() {
	if k.closeNc != nil {
		k.closeNc()
	}
}

func (k *KV) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	env := kvEnvelope{Data: entry.Data, Meta: entry.Meta}
	if opts.TTL > 0 {
		env.ExpiresAt = time.Now().Add(opts.TTL)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = k.kv.Put(ctx, encodeKey(key), data)
	return err
}

func (k *KV) Get(ctx context.Context, key string) (kv.Entry, error) {
	raw, err := k.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, err
	}

	var env kvEnvelope
	if err := json.Unmarshal(raw.Value(), &env); err != nil {
		return kv.Entry{}, fmt.Errorf("decode entry %s: %w", key, err)
	}
	if env.expired(time.Now()) {
		// best effort, the entry reads as absent either way
		_ = k.kv.Delete(ctx, encodeKey(key))
		return kv.Entry{}, kv.ErrNotFound
	}
	return kv.Entry{Data: env.Data, Meta: env.Meta}, nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, encodeKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (k *KV) Scan(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	now := time.Now()
	encodedPrefix := encodeKey(prefix)
	var out []string
	for encoded := range lister.Keys() {
		if !strings.HasPrefix(encoded, encodedPrefix) {
			continue
		}
		raw, err := k.kv.Get(ctx, encoded)
		if err != nil {
			continue
		}
		var env kvEnvelope
		if err := json.Unmarshal(raw.Value(), &env); err != nil {
			continue
		}
		if env.expired(now) {
			_ = k.kv.Delete(ctx, encoded)
			continue
		}
		out = append(out, decodeKey(encoded))
	}
	return out, nil
}

// JetStream KV keys cannot contain colons, which the cache layers use
// as their namespace separator.
func encodeKey(key string) string { return strings.ReplaceAll(key, ":", ".") }
func decodeKey(key string) string { return strings.ReplaceAll(key, ".", ":") }

var _ kv.Store = (*KV)(nil)
