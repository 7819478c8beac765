package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/events"
	"github.com/bridgecore/gateway/internal/store"
)

// memFeed backs both the reader and the cursor store for engine tests.
type memFeed struct {
	mu      sync.Mutex
	events  []store.Event
	cursors map[string]*store.SyncCursor
}

func newMemFeed() *memFeed {
	return &memFeed{cursors: map[string]*store.SyncCursor{}}
}

func (m *memFeed) add(tenantID string, id int64, model, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, store.Event{
		TenantID: tenantID, EventID: id, Model: model, Kind: kind,
	})
}

func inModels(model string, models []string) bool {
	if len(models) == 0 {
		return true
	}
	for _, x := range models {
		if x == model {
			return true
		}
	}
	return false
}

func (m *memFeed) EventsAfter(_ context.Context, tenantID string, after int64, limit int, models []string) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Event
	for _, ev := range m.events {
		if ev.TenantID == tenantID && ev.EventID > after && inModels(ev.Model, models) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memFeed) CountEventsAfter(_ context.Context, tenantID string, after int64, models []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ev := range m.events {
		if ev.TenantID == tenantID && ev.EventID > after && inModels(ev.Model, models) {
			n++
		}
	}
	return n, nil
}

func feedKey(tenantID string, uid int64, deviceID, appType string) string {
	return fmt.Sprintf("%s/%d/%s/%s", tenantID, uid, deviceID, appType)
}

func (m *memFeed) GetOrCreateCursor(_ context.Context, tenantID string, uid int64, deviceID, appType string) (*store.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := feedKey(tenantID, uid, deviceID, appType)
	if c, ok := m.cursors[key]; ok {
		cp := *c
		return &cp, nil
	}
	c := &store.SyncCursor{
		TenantID: tenantID, UpstreamUserID: uid,
		DeviceID: deviceID, AppType: appType, Active: true,
	}
	m.cursors[key] = c
	cp := *c
	return &cp, nil
}

func (m *memFeed) AdvanceCursor(_ context.Context, cur *store.SyncCursor, newLastID, countDelta int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[feedKey(cur.TenantID, cur.UpstreamUserID, cur.DeviceID, cur.AppType)]
	if !ok || newLastID <= c.LastSeenID {
		return false, nil
	}
	c.LastSeenID = newLastID
	c.SyncCount++
	c.EventCount += countDelta
	c.LastSyncAt = time.Now().UTC()
	return true, nil
}

func (m *memFeed) ResetCursor(_ context.Context, cur *store.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[feedKey(cur.TenantID, cur.UpstreamUserID, cur.DeviceID, cur.AppType)]; ok {
		c.LastSeenID = 0
		c.EventCount = 0
	}
	return nil
}

func testEngine(feed *memFeed, limits Limits) *Engine {
	return New(feed, events.NewCursors(feed), limits)
}

func seedRange(feed *memFeed, tenantID string, from, to int64, model string) {
	for i := from; i <= to; i++ {
		feed.add(tenantID, i, model, store.EventWrite)
	}
}

func pullReq(device string) PullRequest {
	return PullRequest{
		TenantID: "t1", UpstreamUserID: 7,
		DeviceID: device, AppType: "manager_app",
	}
}

func TestFirstPullStartsAtZero(t *testing.T) {
	feed := newMemFeed()
	seedRange(feed, "t1", 1, 25, "sale.order")
	e := testEngine(feed, Limits{})

	resp, err := e.Pull(context.Background(), pullReq("dev-1"))
	require.NoError(t, err)
	assert.Len(t, resp.Events, 25)
	assert.Equal(t, int64(1), resp.Events[0].EventID)
	assert.Equal(t, int64(25), resp.NextLastID)
	assert.Equal(t, int64(25), resp.Cursor.LastSeenID)
	assert.Equal(t, int64(1), resp.Cursor.SyncCount)
}

func TestIncrementalPullsSeeEachEventOnce(t *testing.T) {
	feed := newMemFeed()
	seedRange(feed, "t1", 1, 12, "sale.order")
	e := testEngine(feed, Limits{})

	req := pullReq("dev-1")
	req.Limit = 5
	ctx := context.Background()

	var seen []int64
	for i := 0; i < 3; i++ {
		resp, err := e.Pull(ctx, req)
		require.NoError(t, err)
		for _, ev := range resp.Events {
			seen = append(seen, ev.EventID)
		}
	}
	require.Len(t, seen, 12)
	for i, id := range seen {
		assert.Equal(t, int64(i+1), id)
	}

	// Caught up: the next pull is empty and the cursor holds.
	resp, err := e.Pull(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Events)
	assert.Equal(t, int64(12), resp.NextLastID)
}

func TestResetReplaysFromTheStart(t *testing.T) {
	feed := newMemFeed()
	seedRange(feed, "t1", 1, 8, "sale.order")
	e := testEngine(feed, Limits{})
	ctx := context.Background()
	req := pullReq("dev-1")

	first, err := e.Pull(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Events, 8)

	cur, err := e.Reset(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, cur.LastSeenID)

	replay, err := e.Pull(ctx, req)
	require.NoError(t, err)
	assert.Len(t, replay.Events, 8)
	assert.Equal(t, int64(1), replay.Events[0].EventID)
}

func TestProfileFiltersDelivery(t *testing.T) {
	feed := newMemFeed()
	feed.add("t1", 1, "sale.order", store.EventCreate)
	feed.add("t1", 2, "stock.picking", store.EventWrite)
	feed.add("t1", 3, "res.partner", store.EventWrite)
	feed.add("t1", 4, "account.move", store.EventCreate)
	e := testEngine(feed, Limits{})

	req := pullReq("dev-1")
	req.AppType = "delivery_app"
	resp, err := e.Pull(context.Background(), req)
	require.NoError(t, err)

	var models []string
	for _, ev := range resp.Events {
		models = append(models, ev.Model)
	}
	assert.Equal(t, []string{"stock.picking", "res.partner"}, models)

	// Advancing past a filtered-out event is correct: it was skipped by
	// profile, not missed.
	assert.Equal(t, int64(3), resp.Cursor.LastSeenID)
}

func TestModelFilterUnionsWithProfile(t *testing.T) {
	feed := newMemFeed()
	feed.add("t1", 1, "stock.picking", store.EventWrite)
	feed.add("t1", 2, "account.move", store.EventCreate)
	feed.add("t1", 3, "sale.order", store.EventCreate)
	e := testEngine(feed, Limits{})

	req := pullReq("dev-1")
	req.AppType = "delivery_app"
	req.ModelFilter = []string{"account.move"}
	resp, err := e.Pull(context.Background(), req)
	require.NoError(t, err)

	// The filter widens the profile, it never narrows it below the app's
	// own models; sale.order stays out.
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "stock.picking", resp.Events[0].Model)
	assert.Equal(t, "account.move", resp.Events[1].Model)
}

func TestUnknownAppTypeFallsBackToMobile(t *testing.T) {
	feed := newMemFeed()
	feed.add("t1", 1, "anything.model", store.EventCreate)
	e := testEngine(feed, Limits{})

	req := pullReq("dev-1")
	req.AppType = "fridge_app"
	resp, err := e.Pull(context.Background(), req)
	require.NoError(t, err)
	// Mobile profile is unbounded.
	assert.Len(t, resp.Events, 1)

	// But the label itself keys the cursor.
	_, ok := feed.cursors[feedKey("t1", 7, "dev-1", "fridge_app")]
	assert.True(t, ok)
}

func TestLimitClamping(t *testing.T) {
	feed := newMemFeed()
	seedRange(feed, "t1", 1, 300, "sale.order")
	e := testEngine(feed, Limits{DefaultLimit: 10, MaxLimit: 50})
	ctx := context.Background()

	req := pullReq("dev-a")
	resp, err := e.Pull(ctx, req)
	require.NoError(t, err)
	assert.Len(t, resp.Events, 10)

	req = pullReq("dev-b")
	req.Limit = 5000
	resp, err = e.Pull(ctx, req)
	require.NoError(t, err)
	assert.Len(t, resp.Events, 50)
}

func TestDeviceIDRequired(t *testing.T) {
	e := testEngine(newMemFeed(), Limits{})
	ctx := context.Background()

	for _, call := range []func() error{
		func() error { _, err := e.Pull(ctx, pullReq("")); return err },
		func() error { _, err := e.State(ctx, pullReq("")); return err },
		func() error { _, err := e.Reset(ctx, pullReq("")); return err },
	} {
		err := call()
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidPayload, apperr.From(err).Kind)
	}
}

func TestStateReportsPendingUnderProfile(t *testing.T) {
	feed := newMemFeed()
	feed.add("t1", 1, "stock.picking", store.EventWrite)
	feed.add("t1", 2, "sale.order", store.EventWrite)
	feed.add("t1", 3, "res.partner", store.EventWrite)
	e := testEngine(feed, Limits{})

	req := pullReq("dev-1")
	req.AppType = "delivery_app"
	st, err := e.State(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Pending)
	assert.Zero(t, st.Cursor.LastSeenID)
}

func TestCursorsAreIndependentPerDevice(t *testing.T) {
	feed := newMemFeed()
	seedRange(feed, "t1", 1, 6, "sale.order")
	e := testEngine(feed, Limits{})
	ctx := context.Background()

	a, err := e.Pull(ctx, pullReq("dev-a"))
	require.NoError(t, err)
	require.Len(t, a.Events, 6)

	// A fresh device replays the whole feed from zero.
	b, err := e.Pull(ctx, pullReq("dev-b"))
	require.NoError(t, err)
	assert.Len(t, b.Events, 6)
}

func TestAllowedModels(t *testing.T) {
	assert.Nil(t, allowedModels("manager_app", []string{"sale.order"}))
	assert.Nil(t, allowedModels("mobile_app", nil))
	assert.Nil(t, allowedModels("unheard_of", []string{"x"}))

	assert.ElementsMatch(t,
		[]string{"sale.order", "res.partner", "product.product"},
		allowedModels("sales_app", nil))

	union := allowedModels("sales_app", []string{"account.move", "res.partner"})
	assert.ElementsMatch(t,
		[]string{"sale.order", "res.partner", "product.product", "account.move"},
		union)
}
