package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bridgecore/gateway/internal/admission"
	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/store"
	"github.com/bridgecore/gateway/internal/syncengine"
)

func (s *Server) handleWebhookPush(w http.ResponseWriter, r *http.Request) {
	rc, ok := admission.FromContext(r.Context())
	if !ok {
		writeErr(w, r, apperr.New(apperr.KindInternal, "admission context missing"))
		return
	}

	// The push body is either one event or a batch under "events".
	var body struct {
		Events []store.Event `json:"events"`
		store.Event
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInvalidPayload, "malformed event payload", err))
		return
	}
	batch := body.Events
	if len(batch) == 0 && body.EventID != 0 {
		batch = []store.Event{body.Event}
	}
	if len(batch) == 0 {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "no events in payload"))
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), rc.Tenant.ID, batch)
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "ingest events", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	rc, ok := admission.FromContext(r.Context())
	if !ok {
		writeErr(w, r, apperr.New(apperr.KindInternal, "admission context missing"))
		return
	}

	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "after must be a non-negative integer"))
			return
		}
		after = n
	}
	var models []string
	if v := r.URL.Query().Get("models"); v != "" {
		models = strings.Split(v, ",")
	}

	pending, err := s.ingestor.PendingCount(r.Context(), rc.Tenant.ID, after, models)
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "count updates", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":   pending,
		"has_new":   pending > 0,
		"tenant_id": rc.Tenant.ID,
	})
}

type syncRequest struct {
	UpstreamUserID int64    `json:"upstream_user_id"`
	DeviceID       string   `json:"device_id"`
	AppType        string   `json:"app_type"`
	Limit          int      `json:"limit,omitempty"`
	ModelFilter    []string `json:"model_filter,omitempty"`
}

func (s *Server) syncReqFromBody(w http.ResponseWriter, r *http.Request, rc *admission.RequestContext) (syncengine.PullRequest, bool) {
	var body syncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInvalidPayload, "malformed sync body", err))
		return syncengine.PullRequest{}, false
	}
	return syncengine.PullRequest{
		TenantID:       rc.Tenant.ID,
		UpstreamUserID: body.UpstreamUserID,
		DeviceID:       body.DeviceID,
		AppType:        body.AppType,
		Limit:          body.Limit,
		ModelFilter:    body.ModelFilter,
	}, true
}

func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	rc, ok := admission.FromContext(r.Context())
	if !ok {
		writeErr(w, r, apperr.New(apperr.KindInternal, "admission context missing"))
		return
	}
	req, ok := s.syncReqFromBody(w, r, rc)
	if !ok {
		return
	}

	resp, err := s.sync.Pull(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	rc, ok := admission.FromContext(r.Context())
	if !ok {
		writeErr(w, r, apperr.New(apperr.KindInternal, "admission context missing"))
		return
	}

	q := r.URL.Query()
	uid, _ := strconv.ParseInt(q.Get("upstream_user_id"), 10, 64)
	req := syncengine.PullRequest{
		TenantID:       rc.Tenant.ID,
		UpstreamUserID: uid,
		DeviceID:       q.Get("device_id"),
		AppType:        q.Get("app_type"),
	}
	if v := q.Get("models"); v != "" {
		req.ModelFilter = strings.Split(v, ",")
	}

	resp, err := s.sync.State(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncReset(w http.ResponseWriter, r *http.Request) {
	rc, ok := admission.FromContext(r.Context())
	if !ok {
		writeErr(w, r, apperr.New(apperr.KindInternal, "admission context missing"))
		return
	}
	req, ok := s.syncReqFromBody(w, r, rc)
	if !ok {
		return
	}

	cursor, err := s.sync.Reset(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cursor": cursor, "status": "reset"})
}
