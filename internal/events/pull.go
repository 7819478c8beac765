package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bridgecore/gateway/internal/payload"
	"github.com/bridgecore/gateway/internal/store"
)

// Fetcher retrieves change-feed rows from a tenant's upstream. The
// session pool implements it via the generic RPC surface.
type Fetcher interface {
	Call(ctx context.Context, tenant *store.Tenant, op, model string, p payload.Value) ([]byte, error)
}

// feedModel is the upstream model the change feed lives on.
const feedModel = "bridge.sync.event"

// PullFromUpstream asks a tenant's upstream for events past the highest
// id already stored, appends them, and returns the batch summary. Safe
// to run concurrently with the push path: both funnel through the same
// idempotent append.
func (i *Ingestor) PullFromUpstream(ctx context.Context, fetcher Fetcher, tenant *store.Tenant, batchSize int) (*IngestResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	maxID, err := i.store.MaxEventID(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}

	req := payload.Map(map[string]payload.Value{
		"domain": payload.List(
			payload.List(payload.String("id"), payload.String(">"), payload.Int(maxID)),
		),
		"fields": payload.List(
			payload.String("id"), payload.String("model"), payload.String("record_id"),
			payload.String("kind"), payload.String("occurred_at"), payload.String("payload"),
		),
		"limit": payload.Int(int64(batchSize)),
		"order": payload.String("id asc"),
	})

	raw, err := fetcher.Call(ctx, tenant, "search_read", feedModel, req)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID         int64           `json:"id"`
		Model      string          `json:"model"`
		RecordID   int64           `json:"record_id"`
		Kind       string          `json:"kind"`
		OccurredAt string          `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}

	batch := make([]store.Event, 0, len(rows))
	for _, row := range rows {
		ev := store.Event{
			EventID:  row.ID,
			Model:    row.Model,
			RecordID: row.RecordID,
			Kind:     row.Kind,
			Payload:  row.Payload,
		}
		if t, terr := parseUpstreamTime(row.OccurredAt); terr == nil {
			ev.OccurredAt = t
		}
		batch = append(batch, ev)
	}
	return i.Ingest(ctx, tenant.ID, batch)
}

// PullForTenants runs one pull cycle across tenants. A failing upstream
// is logged and skipped so it cannot stall the rest of the fleet.
func (i *Ingestor) PullForTenants(ctx context.Context, fetcher Fetcher, tenants []*store.Tenant, batchSize int) (accepted, failed int) {
	for _, tenant := range tenants {
		res, err := i.PullFromUpstream(ctx, fetcher, tenant, batchSize)
		if err != nil {
			i.logger.Printf("pull for %s: %v", tenant.ID, err)
			failed++
			continue
		}
		accepted += res.Accepted
	}
	return accepted, failed
}

// Upstream timestamps come back in the ERP's naive datetime format.
func parseUpstreamTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
