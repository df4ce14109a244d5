package eventcache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/evohq/sourcing-go/ports/kv"
)

// Start launches the telemetry and prune loops. They stop when ctx is
// cancelled. Each tick runs its work to completion before the next tick
// is considered, so ticks never overlap with themselves.
func (c *Cache) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}
	go c.telemetryLoop(ctx)
	go c.pruneLoop(ctx)
}

func (c *Cache) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
			s := c.Stats()
			c.log.Debug(
				"cache telemetry",
				slog.Float64("hit_rate", s.HitRate()),
				slog.Int64("hits", s.Hits),
				slog.Int64("misses", s.Misses),
				slog.Int64("errors", s.Errors),
				slog.Bool("degraded", c.degraded.Load()),
			)
		}
	}
}

// probe attempts a benign backend round trip while degraded so the cache
// can transition back to healthy after reconnection.
func (c *Cache) probe(ctx context.Context) {
	if !c.degraded.Load() {
		return
	}
	key := fmt.Sprintf("%s:probe", c.cfg.KeyPrefix)
	err := c.backend.Put(ctx, key, kv.Entry{Data: []byte("ok")}, kv.PutOptions{TTL: time.Minute})
	if err != nil {
		return
	}
	c.recover(ctx)
}

func (c *Cache) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Prune(ctx); err == nil && n > 0 {
				c.log.Debug("pruned expired cache entries", slog.Int("count", n))
			}
		}
	}
}

// Prune removes entries past expiry that the backend did not already
// evict. It returns the number of removed entries.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	if !c.active() {
		return 0, nil
	}

	keys, err := c.backend.Scan(ctx, c.cfg.KeyPrefix+":")
	if err != nil {
		return 0, c.fail(ctx, "prune_scan", err)
	}

	now := time.Now()
	pruned := 0
	for _, key := range keys {
		entry, err := c.backend.Get(ctx, key)
		if err != nil {
			continue
		}
		var expiresAt time.Time
		switch {
		case strings.Contains(key, ":event:"):
			var ce CachedEvent
			if err := codec.Unmarshal(entry.Data, &ce); err != nil {
				expiresAt = now.Add(-time.Second) // corrupt, drop it
			} else {
				expiresAt = ce.ExpiresAt
			}
		case strings.Contains(key, ":stream:"):
			var idx streamIndex
			if err := codec.Unmarshal(entry.Data, &idx); err != nil {
				expiresAt = now.Add(-time.Second)
			} else {
				expiresAt = idx.ExpiresAt
			}
		default:
			continue
		}
		if !expiresAt.IsZero() && now.After(expiresAt) {
			if err := c.backend.Delete(ctx, key); err == nil {
				pruned++
			}
		}
	}

	if pruned > 0 {
		c.stats.pruned.Add(int64(pruned))
		c.cfg.Metrics.CachePruned(pruned)
	}
	t := time.Now()
	c.stats.lastPruneAt.Store(&t)
	return pruned, nil
}
