package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/payload"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kvc.Close() })
	return New(kvc, 300*time.Second), mr
}

func mustKey(t *testing.T, c *Cache, tenantID, op, model string, p payload.Value) string {
	t.Helper()
	key, err := c.Key(context.Background(), tenantID, op, model, p)
	require.NoError(t, err)
	return key
}

func TestKeyShape(t *testing.T) {
	c, _ := newCache(t)
	p, err := payload.Parse([]byte(`{"limit":5}`))
	require.NoError(t, err)

	key := mustKey(t, c, "t1", "search_read", "res.partner", p)
	assert.Regexp(t, `^bc:cache:t1:res\.partner:g0:[0-9a-f]{64}$`, key)
}

func TestKeyIgnoresPayloadKeyOrder(t *testing.T) {
	c, _ := newCache(t)
	a, _ := payload.Parse([]byte(`{"limit":5,"offset":0}`))
	b, _ := payload.Parse([]byte(`{"offset":0,"limit":5}`))

	assert.Equal(t,
		mustKey(t, c, "t1", "search_read", "res.partner", a),
		mustKey(t, c, "t1", "search_read", "res.partner", b))
}

func TestPutGet(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	p, _ := payload.Parse([]byte(`{}`))
	key := mustKey(t, c, "t1", "read", "res.partner", p)

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Put(ctx, key, []byte(`[{"id":1}]`)))

	body, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, `[{"id":1}]`, string(body))
}

func TestInvalidateDropsOnlyTenantModel(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	p1, _ := payload.Parse([]byte(`{"limit":1}`))
	p2, _ := payload.Parse([]byte(`{"limit":2}`))

	kSame1 := mustKey(t, c, "t1", "search_read", "res.partner", p1)
	kSame2 := mustKey(t, c, "t1", "search_read", "res.partner", p2)
	kOtherModel := mustKey(t, c, "t1", "search_read", "sale.order", p1)
	kOtherTenant := mustKey(t, c, "t2", "search_read", "res.partner", p1)

	for _, k := range []string{kSame1, kSame2, kOtherModel, kOtherTenant} {
		require.NoError(t, c.Put(ctx, k, []byte("x")))
	}

	n, err := c.Invalidate(ctx, "t1", "res.partner")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, hit, _ := c.Get(ctx, kSame1)
	assert.False(t, hit)
	_, hit, _ = c.Get(ctx, kSame2)
	assert.False(t, hit)
	_, hit, _ = c.Get(ctx, kOtherModel)
	assert.True(t, hit)
	_, hit, _ = c.Get(ctx, kOtherTenant)
	assert.True(t, hit)
}

func TestInvalidationOrphansPreSweepKeys(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	p, _ := payload.Parse([]byte(`{"ids":[1]}`))

	// Key computed before the invalidation.
	before := mustKey(t, c, "t1", "read", "res.partner", p)

	_, err := c.Invalidate(ctx, "t1", "res.partner")
	require.NoError(t, err)

	// A store under the stale key lands in a generation no fresh key
	// reaches: the read after the write still misses.
	require.NoError(t, c.Put(ctx, before, []byte(`[{"id":1,"email":"old@x"}]`)))

	after := mustKey(t, c, "t1", "read", "res.partner", p)
	assert.NotEqual(t, before, after)

	_, hit, err := c.Get(ctx, after)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kvc.Close() })
	c := New(kvc, 1*time.Second)

	ctx := context.Background()
	p, _ := payload.Parse([]byte(`{}`))
	key := mustKey(t, c, "t1", "read", "res.partner", p)
	require.NoError(t, c.Put(ctx, key, []byte("x")))

	mr.FastForward(2 * time.Second)

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}
