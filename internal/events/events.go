// Package events ingests the upstream change feed and maintains the sync
// cursors over it. The upstream-assigned event id is the single ordering
// authority within a tenant; ingestion is idempotent on (tenant, id) and
// cursors only ever move forward.
package events

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/store"
)

// EventStore is the slice of the persistent store the ingestor uses.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *store.Event) (bool, error)
	MaxEventID(ctx context.Context, tenantID string) (int64, error)
	EventsAfter(ctx context.Context, tenantID string, after int64, limit int, models []string) ([]store.Event, error)
	CountEventsAfter(ctx context.Context, tenantID string, after int64, models []string) (int64, error)
	DeleteEventsBelow(ctx context.Context, tenantID string, watermark int64) (int64, error)
	MinCursorLastSeen(ctx context.Context, tenantID string) (int64, bool, error)
	CursorsForTenant(ctx context.Context, tenantID string) ([]store.SyncCursor, error)
}

var validKinds = map[string]bool{
	store.EventCreate: true,
	store.EventWrite:  true,
	store.EventUnlink: true,
}

// Ingestor accepts pushed change-feed events.
type Ingestor struct {
	store   EventStore
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewIngestor builds the ingestor.
func NewIngestor(s EventStore, m *metrics.Metrics) *Ingestor {
	return &Ingestor{store: s, metrics: m, logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)}
}

// IngestResult summarizes one push batch.
type IngestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Ingest appends a batch. Replays and overlapping batches are harmless:
// duplicates by (tenant, event id) are counted but not stored twice.
// Malformed events are rejected individually, never failing the batch.
func (i *Ingestor) Ingest(ctx context.Context, tenantID string, batch []store.Event) (*IngestResult, error) {
	res := &IngestResult{}
	for idx := range batch {
		ev := &batch[idx]
		ev.TenantID = tenantID
		if err := validate(ev); err != nil {
			res.Rejected++
			continue
		}
		inserted, err := i.store.AppendEvent(ctx, ev)
		if err != nil {
			return res, err
		}
		if inserted {
			res.Accepted++
		} else {
			res.Duplicates++
		}
	}
	if res.Accepted > 0 {
		i.metrics.EventsIngested.WithLabelValues(tenantID).Add(float64(res.Accepted))
	}
	return res, nil
}

func validate(ev *store.Event) error {
	if ev.EventID <= 0 {
		return fmt.Errorf("event id must be positive")
	}
	if ev.Model == "" {
		return fmt.Errorf("model is required")
	}
	if !validKinds[ev.Kind] {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

// PendingCount reports how many events trail the given cursor position,
// the cheap check-updates probe for polling clients.
func (i *Ingestor) PendingCount(ctx context.Context, tenantID string, after int64, models []string) (int64, error) {
	return i.store.CountEventsAfter(ctx, tenantID, after, models)
}

// Prune deletes a tenant's events every active cursor has passed, minus a
// grace count so a cursor reset shortly after pruning still replays
// recent history. No cursors means nothing is safe to prune.
func (i *Ingestor) Prune(ctx context.Context, tenantID string, grace int64) (int64, error) {
	min, ok, err := i.store.MinCursorLastSeen(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	watermark := min - grace
	if watermark <= 0 {
		return 0, nil
	}
	return i.store.DeleteEventsBelow(ctx, tenantID, watermark)
}

// UpdateLagMetrics recomputes the cursor-lag gauge for a tenant: the
// worst (max id - last seen) across its active cursors.
func (i *Ingestor) UpdateLagMetrics(ctx context.Context, tenantID string) error {
	maxID, err := i.store.MaxEventID(ctx, tenantID)
	if err != nil {
		return err
	}
	cursors, err := i.store.CursorsForTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	var worst int64
	for _, c := range cursors {
		if !c.Active {
			continue
		}
		if lag := maxID - c.LastSeenID; lag > worst {
			worst = lag
		}
	}
	i.metrics.CursorLag.WithLabelValues(tenantID).Set(float64(worst))
	return nil
}

// CursorStore is the slice of the persistent store the cursor manager
// writes through.
type CursorStore interface {
	GetOrCreateCursor(ctx context.Context, tenantID string, upstreamUserID int64, deviceID, appType string) (*store.SyncCursor, error)
	AdvanceCursor(ctx context.Context, c *store.SyncCursor, newLastID, countDelta int64) (bool, error)
	ResetCursor(ctx context.Context, c *store.SyncCursor) error
}

// Cursors serializes concurrent pulls per cursor key so two devices with
// the same key cannot interleave an advance.
type Cursors struct {
	store CursorStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCursors builds the cursor manager.
func NewCursors(s CursorStore) *Cursors {
	return &Cursors{store: s, locks: make(map[string]*sync.Mutex)}
}

func (c *Cursors) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	return m
}

// WithCursor runs fn holding the per-key lock, with the current cursor
// row loaded (created at zero on first sight).
func (c *Cursors) WithCursor(ctx context.Context, tenantID string, upstreamUserID int64, deviceID, appType string, fn func(*store.SyncCursor) error) error {
	key := fmt.Sprintf("%s/%d/%s/%s", tenantID, upstreamUserID, deviceID, appType)
	m := c.lockFor(key)
	m.Lock()
	defer m.Unlock()

	cur, err := c.store.GetOrCreateCursor(ctx, tenantID, upstreamUserID, deviceID, appType)
	if err != nil {
		return err
	}
	return fn(cur)
}

// Advance moves a cursor forward; advances that do not increase last-seen
// are ignored by the store's monotonicity guard.
func (c *Cursors) Advance(ctx context.Context, cur *store.SyncCursor, newLastID, countDelta int64) (bool, error) {
	return c.store.AdvanceCursor(ctx, cur, newLastID, countDelta)
}

// Reset forces a cursor back to zero for a full replay.
func (c *Cursors) Reset(ctx context.Context, cur *store.SyncCursor) error {
	return c.store.ResetCursor(ctx, cur)
}
