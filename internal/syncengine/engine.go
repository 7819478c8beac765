// Package syncengine serves the incremental change-feed pulls: select
// past the cursor, filter by app profile, advance, return a cursor
// snapshot. It reads the event store directly, never the request cache.
package syncengine

import (
	"context"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/events"
	"github.com/bridgecore/gateway/internal/store"
)

// EventReader is the store slice the engine selects from.
type EventReader interface {
	EventsAfter(ctx context.Context, tenantID string, after int64, limit int, models []string) ([]store.Event, error)
	CountEventsAfter(ctx context.Context, tenantID string, after int64, models []string) (int64, error)
}

// Limits clamp client-supplied batch sizes.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
}

// Engine is the pull dispatcher.
type Engine struct {
	reader  EventReader
	cursors *events.Cursors
	limits  Limits
}

// New builds the engine.
func New(reader EventReader, cursors *events.Cursors, limits Limits) *Engine {
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = 100
	}
	if limits.MaxLimit <= 0 {
		limits.MaxLimit = 1000
	}
	return &Engine{reader: reader, cursors: cursors, limits: limits}
}

// PullRequest identifies one cursor and its batch parameters.
type PullRequest struct {
	TenantID       string
	UpstreamUserID int64
	DeviceID       string
	AppType        string
	Limit          int
	ModelFilter    []string
}

// PullResponse is one delivered batch.
type PullResponse struct {
	Events     []store.Event     `json:"events"`
	NextLastID int64             `json:"next_last_id"`
	Cursor     *store.SyncCursor `json:"cursor"`
}

// Pull delivers the next batch for a cursor. Each cursor sees strictly
// increasing ids without gaps: selection and advance run under the
// per-cursor lock, and the advance is conditional in the store.
func (e *Engine) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	if req.DeviceID == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "device_id is required")
	}
	limit := e.clamp(req.Limit)
	models := allowedModels(req.AppType, req.ModelFilter)

	var resp *PullResponse
	err := e.cursors.WithCursor(ctx, req.TenantID, req.UpstreamUserID, req.DeviceID, req.AppType, func(cur *store.SyncCursor) error {
		evs, err := e.reader.EventsAfter(ctx, req.TenantID, cur.LastSeenID, limit, models)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "select events", err)
		}

		next := cur.LastSeenID
		if len(evs) > 0 {
			next = evs[len(evs)-1].EventID
			advanced, err := e.cursors.Advance(ctx, cur, next, int64(len(evs)))
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "advance cursor", err)
			}
			if advanced {
				cur.LastSeenID = next
				cur.SyncCount++
				cur.EventCount += int64(len(evs))
			}
		}

		resp = &PullResponse{Events: evs, NextLastID: next, Cursor: cur}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Events == nil {
		resp.Events = []store.Event{}
	}
	return resp, nil
}

// StateResponse reports a cursor's position and its backlog.
type StateResponse struct {
	Cursor  *store.SyncCursor `json:"cursor"`
	Pending int64             `json:"pending"`
}

// State returns the cursor snapshot plus the count of events trailing it
// under the same profile filter a pull would use.
func (e *Engine) State(ctx context.Context, req PullRequest) (*StateResponse, error) {
	if req.DeviceID == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "device_id is required")
	}
	models := allowedModels(req.AppType, req.ModelFilter)

	var resp *StateResponse
	err := e.cursors.WithCursor(ctx, req.TenantID, req.UpstreamUserID, req.DeviceID, req.AppType, func(cur *store.SyncCursor) error {
		pending, err := e.reader.CountEventsAfter(ctx, req.TenantID, cur.LastSeenID, models)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "count pending events", err)
		}
		resp = &StateResponse{Cursor: cur, Pending: pending}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Reset forces the cursor back to zero; the next pull replays from the
// oldest retained event.
func (e *Engine) Reset(ctx context.Context, req PullRequest) (*store.SyncCursor, error) {
	if req.DeviceID == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "device_id is required")
	}

	var snapshot *store.SyncCursor
	err := e.cursors.WithCursor(ctx, req.TenantID, req.UpstreamUserID, req.DeviceID, req.AppType, func(cur *store.SyncCursor) error {
		if err := e.cursors.Reset(ctx, cur); err != nil {
			return apperr.Wrap(apperr.KindInternal, "reset cursor", err)
		}
		cur.LastSeenID = 0
		snapshot = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (e *Engine) clamp(limit int) int {
	if limit <= 0 {
		return e.limits.DefaultLimit
	}
	if limit > e.limits.MaxLimit {
		return e.limits.MaxLimit
	}
	return limit
}
