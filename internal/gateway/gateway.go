// Package gateway dispatches validated client-plane RPC calls: operation
// and model policy checks, the read-through cache, the upstream call, and
// the usage/error ledger emission for every outcome.
package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bridgecore/gateway/internal/admission"
	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/cache"
	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/payload"
	"github.com/bridgecore/gateway/internal/store"
)

// Operations and their cacheability. A write-shaped operation is never
// served from cache and synchronously invalidates its model on success.
var (
	readOps = map[string]bool{
		"search":       true,
		"search_read":  true,
		"read":         true,
		"search_count": true,
		"fields_get":   true,
		"name_search":  true,
		"name_get":     true,
	}
	// call_kw can invoke arbitrary model methods, so it is treated as a
	// write: no cache read, invalidation on success.
	writeOps = map[string]bool{
		"create":  true,
		"write":   true,
		"unlink":  true,
		"call_kw": true,
	}
)

// Caller performs one upstream RPC. The session pool implements it.
type Caller interface {
	Call(ctx context.Context, tenant *store.Tenant, op, model string, p payload.Value) ([]byte, error)
}

// Ledger receives the per-request records. The async ledger implements it.
type Ledger interface {
	RecordUsage(rec *store.UsageRecord)
	RecordError(rec *store.ErrorRecord)
}

// Meta is the request envelope data the dispatcher records but does not
// act on.
type Meta struct {
	RequestID string
	Endpoint  string
	Method    string
	ClientIP  string
	UserAgent string
	ReqBytes  int64
}

// Response is the dispatch result before envelope serialization.
type Response struct {
	Result   json.RawMessage `json:"result"`
	Cached   bool            `json:"cached"`
	TenantID string          `json:"tenant_id"`
}

// Gateway is the dispatch core.
type Gateway struct {
	caller  Caller
	cache   *cache.Cache
	ledger  Ledger
	metrics *metrics.Metrics
}

// New creates the dispatcher.
func New(caller Caller, c *cache.Cache, ledger Ledger, m *metrics.Metrics) *Gateway {
	return &Gateway{caller: caller, cache: c, ledger: ledger, metrics: m}
}

// Dispatch runs one admitted RPC call end to end. Every outcome, success
// or failure, leaves a usage record; failures also leave an error record
// unless the error's severity is empty.
func (g *Gateway) Dispatch(ctx context.Context, rc *admission.RequestContext, op, model string, p payload.Value, meta Meta) (*Response, error) {
	start := time.Now()
	resp, err := g.dispatch(ctx, rc, op, model, p)
	elapsed := time.Since(start)

	status := 200
	var respBytes int64
	if err != nil {
		ae := apperr.From(err)
		status = ae.HTTPStatus()
		g.recordError(rc, ae, meta)
	} else {
		respBytes = int64(len(resp.Result))
	}

	g.metrics.RecordRequest(rc.Tenant.ID, op, strconv.Itoa(status), elapsed.Seconds())
	g.ledger.RecordUsage(&store.UsageRecord{
		TenantID:      rc.Tenant.ID,
		UserID:        rc.Claims.Subject,
		Timestamp:     start.UTC(),
		Endpoint:      meta.Endpoint,
		Method:        meta.Method,
		Model:         model,
		RequestBytes:  meta.ReqBytes,
		ResponseBytes: respBytes,
		LatencyMs:     elapsed.Milliseconds(),
		StatusCode:    status,
		ClientIP:      meta.ClientIP,
		UserAgent:     meta.UserAgent,
	})

	return resp, err
}

func (g *Gateway) dispatch(ctx context.Context, rc *admission.RequestContext, op, model string, p payload.Value) (*Response, error) {
	if !readOps[op] && !writeOps[op] {
		return nil, apperr.Newf(apperr.KindUnknownOperation, "unknown operation %q", op)
	}
	if model == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "model is required")
	}
	if err := checkPolicy(rc.Tenant, op, model); err != nil {
		return nil, err
	}
	if err := validatePayload(op, p); err != nil {
		return nil, err
	}

	tenantID := rc.Tenant.ID

	if readOps[op] {
		// The key carries the invalidation generation observed here. A
		// write landing while the upstream call below is in flight bumps
		// the generation, so the Put after the call stores under a key no
		// later read computes.
		key, kerr := g.cache.Key(ctx, tenantID, op, model, p)
		if kerr == nil {
			if body, hit, err := g.cache.Get(ctx, key); err == nil && hit {
				g.metrics.RecordCache(true)
				return &Response{Result: body, Cached: true, TenantID: tenantID}, nil
			}
		}
		g.metrics.RecordCache(false)

		result, err := g.caller.Call(ctx, rc.Tenant, op, model, p)
		if err != nil {
			return nil, err
		}
		// Only successes are cached; best-effort, and skipped entirely
		// when the KV was unreachable at key derivation.
		if kerr == nil {
			_ = g.cache.Put(ctx, key, result)
		}
		return &Response{Result: result, TenantID: tenantID}, nil
	}

	result, err := g.caller.Call(ctx, rc.Tenant, op, model, p)
	if err != nil {
		return nil, err
	}
	// The generation bump commits before the write's response goes out,
	// so a read issued after the write can never see the pre-write cache.
	if _, err := g.cache.Invalidate(ctx, tenantID, model); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "cache invalidation after write", err)
	}
	return &Response{Result: result, TenantID: tenantID}, nil
}

// validatePayload rejects calls that cannot be meaningful upstream.
func validatePayload(op string, p payload.Value) error {
	switch op {
	case "write", "unlink":
		ids, ok := p.Get("ids")
		if !ok || ids.Len() == 0 {
			return apperr.Newf(apperr.KindInvalidPayload, "%s requires a non-empty ids list", op)
		}
		if op == "write" {
			if values, ok := p.Get("values"); !ok || values.Kind() != payload.KindMap {
				return apperr.New(apperr.KindInvalidPayload, "write requires a values object")
			}
		}
	case "create":
		if values, ok := p.Get("values"); !ok || values.Kind() != payload.KindMap {
			return apperr.New(apperr.KindInvalidPayload, "create requires a values object")
		}
	}
	if fields, ok := p.Get("fields"); ok {
		items, isList := fields.ListVal()
		if !isList {
			return apperr.New(apperr.KindInvalidPayload, "fields must be a list of strings")
		}
		for _, f := range items {
			if f.Kind() != payload.KindString {
				return apperr.New(apperr.KindInvalidPayload, "fields must be a list of strings")
			}
		}
	}
	return nil
}

// checkPolicy enforces the tenant's allow-lists. Empty lists allow
// everything; models support a trailing-star prefix match.
func checkPolicy(tenant *store.Tenant, op, model string) error {
	if len(tenant.AllowedOps) > 0 && !contains(tenant.AllowedOps, op) {
		return apperr.Newf(apperr.KindUnknownOperation, "operation %q is not enabled for this tenant", op)
	}
	if len(tenant.AllowedModels) > 0 && !modelAllowed(tenant.AllowedModels, model) {
		return apperr.Newf(apperr.KindModelForbidden, "model %q is not enabled for this tenant", model)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func modelAllowed(patterns []string, model string) bool {
	for _, pat := range patterns {
		if pat == model {
			return true
		}
		if n := len(pat); n > 0 && pat[n-1] == '*' && len(model) >= n-1 && model[:n-1] == pat[:n-1] {
			return true
		}
	}
	return false
}

func (g *Gateway) recordError(rc *admission.RequestContext, ae *apperr.Error, meta Meta) {
	sev := ae.Severity()
	if sev == "" {
		return
	}
	g.ledger.RecordError(&store.ErrorRecord{
		TenantID:  rc.Tenant.ID,
		UserID:    rc.Claims.Subject,
		Timestamp: time.Now().UTC(),
		Kind:      string(ae.Kind),
		Message:   ae.Message,
		Endpoint:  meta.Endpoint,
		RequestID: meta.RequestID,
		Severity:  sev,
	})
}
