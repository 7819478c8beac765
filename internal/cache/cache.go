// Package cache is the read-through layer in front of the upstream
// session pool. Keys embed the tenant and model so a successful write can
// drop every cached read for that (tenant, model) with one pattern sweep,
// plus an invalidation generation so a read whose upstream call straddles
// the sweep cannot store a pre-write result under a key any later read
// would compute.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/payload"
)

// Cache stores serialized upstream results in the shared KV.
type Cache struct {
	kv  *kv.Client
	ttl time.Duration
}

// New creates a cache with the given default TTL.
func New(kvc *kv.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 300 * time.Second
	}
	return &Cache{kv: kvc, ttl: ttl}
}

func genKey(tenantID, model string) string {
	return fmt.Sprintf("bc:cache:gen:%s:%s", tenantID, model)
}

// generation reads the (tenant, model) invalidation counter. Absent means
// no invalidation has ever run.
func (c *Cache) generation(ctx context.Context, tenantID, model string) (int64, error) {
	raw, ok, err := c.kv.Get(ctx, genKey(tenantID, model))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache generation %s: %w", genKey(tenantID, model), err)
	}
	return n, nil
}

// Key derives the cache key for a call. The digest covers the op and the
// canonical payload; tenant and model stay in the clear so invalidation
// can pattern-match them. The current generation is baked in, so a key
// computed before an invalidation never collides with one computed after.
func (c *Cache) Key(ctx context.Context, tenantID, op, model string, p payload.Value) (string, error) {
	gen, err := c.generation(ctx, tenantID, model)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("bc:cache:%s:%s:g%d:%s", tenantID, model, gen, payload.Digest(tenantID, op, model, p)), nil
}

// Get returns the cached result bytes and whether the key was present.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return c.kv.Get(ctx, key)
}

// Put stores a successful result under a key from Key. Failed calls must
// never reach here. If an invalidation landed after the key was computed,
// the entry goes in under the old generation and ages out unread.
func (c *Cache) Put(ctx context.Context, key string, result []byte) error {
	return c.kv.Set(ctx, key, result, c.ttl)
}

// Invalidate drops every entry for (tenant, model). It runs synchronously
// on the write path: the generation bump commits before the triggering
// write's response is returned, so a read admitted after that response
// computes a fresh key and misses. The pattern sweep afterwards is memory
// reclamation for the orphaned entries.
func (c *Cache) Invalidate(ctx context.Context, tenantID, model string) (int, error) {
	if _, err := c.kv.Incr(ctx, genKey(tenantID, model)); err != nil {
		return 0, err
	}
	return c.kv.DeletePattern(ctx, fmt.Sprintf("bc:cache:%s:%s:g*", tenantID, model))
}
