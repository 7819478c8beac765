package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// AppendEvent inserts one upstream event, idempotently: a duplicate
// (tenant, event id) is silently ignored. Returns whether a row was
// actually inserted.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) (bool, error) {
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO events (tenant_id, event_id, model, record_id, kind, occurred_at, payload, priority)
		 VALUES (:tenant_id, :event_id, :model, :record_id, :kind, :occurred_at, :payload, :priority)
		 ON CONFLICT (tenant_id, event_id) DO NOTHING`, ev)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MaxEventID returns the highest stored event id for a tenant (0 if none).
func (s *Store) MaxEventID(ctx context.Context, tenantID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max,
		`SELECT MAX(event_id) FROM events WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// EventsAfter selects a tenant's events with id > after, ascending,
// capped at limit, optionally restricted to a model set.
func (s *Store) EventsAfter(ctx context.Context, tenantID string, after int64, limit int, models []string) ([]Event, error) {
	var events []Event
	var err error
	if len(models) > 0 {
		err = s.db.SelectContext(ctx, &events,
			`SELECT tenant_id, event_id, model, record_id, kind, occurred_at, payload, priority
			 FROM events
			 WHERE tenant_id = $1 AND event_id > $2 AND model = ANY($3)
			 ORDER BY event_id ASC LIMIT $4`,
			tenantID, after, pq.Array(models), limit)
	} else {
		err = s.db.SelectContext(ctx, &events,
			`SELECT tenant_id, event_id, model, record_id, kind, occurred_at, payload, priority
			 FROM events
			 WHERE tenant_id = $1 AND event_id > $2
			 ORDER BY event_id ASC LIMIT $3`,
			tenantID, after, limit)
	}
	return events, err
}

// CountEventsAfter returns how many events trail a cursor position.
func (s *Store) CountEventsAfter(ctx context.Context, tenantID string, after int64, models []string) (int64, error) {
	var n int64
	var err error
	if len(models) > 0 {
		err = s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM events WHERE tenant_id = $1 AND event_id > $2 AND model = ANY($3)`,
			tenantID, after, pq.Array(models))
	} else {
		err = s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM events WHERE tenant_id = $1 AND event_id > $2`,
			tenantID, after)
	}
	return n, err
}

// DeleteEventsBelow trims events strictly below the watermark.
func (s *Store) DeleteEventsBelow(ctx context.Context, tenantID string, watermark int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE tenant_id = $1 AND event_id < $2`, tenantID, watermark)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetOrCreateCursor upserts the zero cursor for a key and returns the
// current row.
func (s *Store) GetOrCreateCursor(ctx context.Context, tenantID string, upstreamUserID int64, deviceID, appType string) (*SyncCursor, error) {
	var c SyncCursor
	err := s.db.GetContext(ctx, &c,
		`INSERT INTO sync_cursors (tenant_id, upstream_user_id, device_id, app_type,
			last_seen_id, last_sync_at, sync_count, event_count, active)
		 VALUES ($1, $2, $3, $4, 0, $5, 0, 0, TRUE)
		 ON CONFLICT (tenant_id, upstream_user_id, device_id, app_type) DO UPDATE SET active = TRUE
		 RETURNING tenant_id, upstream_user_id, device_id, app_type,
			last_seen_id, last_sync_at, sync_count, event_count, active`,
		tenantID, upstreamUserID, deviceID, appType, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AdvanceCursor moves last-seen forward. The WHERE clause enforces
// monotonicity: an advance to a value <= the current one changes nothing
// and returns false.
func (s *Store) AdvanceCursor(ctx context.Context, c *SyncCursor, newLastID, countDelta int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_cursors
		 SET last_seen_id = $5, last_sync_at = $6,
			sync_count = sync_count + 1, event_count = event_count + $7
		 WHERE tenant_id = $1 AND upstream_user_id = $2 AND device_id = $3 AND app_type = $4
			AND last_seen_id < $5`,
		c.TenantID, c.UpstreamUserID, c.DeviceID, c.AppType,
		newLastID, time.Now().UTC(), countDelta)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetCursor forces last-seen back to zero so the client replays.
func (s *Store) ResetCursor(ctx context.Context, c *SyncCursor) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_cursors SET last_seen_id = 0, last_sync_at = $5
		 WHERE tenant_id = $1 AND upstream_user_id = $2 AND device_id = $3 AND app_type = $4`,
		c.TenantID, c.UpstreamUserID, c.DeviceID, c.AppType, time.Now().UTC())
	return err
}

// MinCursorLastSeen returns the lowest last-seen across a tenant's active
// cursors, and whether any cursor exists.
func (s *Store) MinCursorLastSeen(ctx context.Context, tenantID string) (int64, bool, error) {
	var min sql.NullInt64
	err := s.db.GetContext(ctx, &min,
		`SELECT MIN(last_seen_id) FROM sync_cursors WHERE tenant_id = $1 AND active`, tenantID)
	if err != nil {
		return 0, false, err
	}
	return min.Int64, min.Valid, nil
}

// CursorsForTenant lists a tenant's cursors (metrics lag sweep).
func (s *Store) CursorsForTenant(ctx context.Context, tenantID string) ([]SyncCursor, error) {
	var cursors []SyncCursor
	err := s.db.SelectContext(ctx, &cursors,
		`SELECT tenant_id, upstream_user_id, device_id, app_type,
			last_seen_id, last_sync_at, sync_count, event_count, active
		 FROM sync_cursors WHERE tenant_id = $1`, tenantID)
	return cursors, err
}
