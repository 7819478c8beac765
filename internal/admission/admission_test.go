package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/auth"
	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/ratelimit"
	"github.com/bridgecore/gateway/internal/registry"
	"github.com/bridgecore/gateway/internal/store"
	"github.com/bridgecore/gateway/internal/vault"
)

type fixedStore struct {
	mu      sync.Mutex
	tenants map[string]*store.Tenant
	plans   map[string]*store.Plan
	touches int
}

func (f *fixedStore) GetTenantByID(_ context.Context, id string) (*store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fixedStore) GetUserForLogin(context.Context, string, *string) (*store.TenantUser, *store.Tenant, error) {
	return nil, nil, store.ErrNotFound
}

func (f *fixedStore) GetPlan(_ context.Context, id string) (*store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fixedStore) TouchLastActivity(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return nil
}

func (f *fixedStore) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches
}

type harness struct {
	pipeline *Pipeline
	tokens   *auth.TokenService
	store    *fixedStore
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kvc.Close() })

	fs := &fixedStore{
		tenants: map[string]*store.Tenant{},
		plans:   map[string]*store.Plan{},
	}
	ks, err := vault.New("k")
	require.NoError(t, err)
	reg, err := registry.New(fs, ks, nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	tokens := auth.New(auth.Config{
		TenantKey: []byte("tk"),
		AdminKey:  []byte("ak"),
	}, kvc)

	writeError := func(w http.ResponseWriter, r *http.Request, ae *apperr.Error) {
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
		}
		w.WriteHeader(ae.HTTPStatus())
		json.NewEncoder(w).Encode(map[string]string{"kind": string(ae.Kind)})
	}

	p := New(tokens, reg, ratelimit.New(kvc), metrics.New(prometheus.NewRegistry()),
		1000, 10000, writeError)
	return &harness{pipeline: p, tokens: tokens, store: fs, mr: mr}
}

func (h *harness) accessToken(t *testing.T, tenantID string) string {
	t.Helper()
	pair, err := h.tokens.IssuePair(
		&store.TenantUser{ID: "u1", Role: "user"},
		&store.Tenant{ID: tenantID},
	)
	require.NoError(t, err)
	return pair.AccessToken
}

func (h *harness) do(t *testing.T, token string, rateLimited bool) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	admitted := false
	handler := h.pipeline.Middleware(rateLimited)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := FromContext(r.Context())
		admitted = ok
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/v1/odoo/read", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, admitted
}

func (h *harness) rateKeyCount(t *testing.T) int {
	t.Helper()
	n := 0
	for _, k := range h.mr.Keys() {
		if len(k) > 6 && k[:6] == "bc:rl:" {
			n++
		}
	}
	return n
}

func TestMissingToken(t *testing.T) {
	h := newHarness(t)
	rec, admitted := h.do(t, "", true)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, admitted)
}

func TestMalformedAuthorizationHeader(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("POST", "/x", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActiveTenantAdmitted(t *testing.T) {
	h := newHarness(t)
	h.store.tenants["t1"] = &store.Tenant{ID: "t1", Status: store.StatusActive}

	rec, admitted := h.do(t, h.accessToken(t, "t1"), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, admitted)
}

func TestTrialTenantAdmitted(t *testing.T) {
	h := newHarness(t)
	h.store.tenants["t1"] = &store.Tenant{ID: "t1", Status: store.StatusTrial}

	rec, _ := h.do(t, h.accessToken(t, "t1"), true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSuspendedTenantBurnsNoQuota(t *testing.T) {
	h := newHarness(t)
	h.store.tenants["t1"] = &store.Tenant{ID: "t1", Status: store.StatusSuspended}

	rec, admitted := h.do(t, h.accessToken(t, "t1"), true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, admitted)

	// The status gate runs before the rate step: no counter was touched.
	assert.Equal(t, 0, h.rateKeyCount(t))
}

func TestDeletedTenant(t *testing.T) {
	h := newHarness(t)
	h.store.tenants["t1"] = &store.Tenant{ID: "t1", Status: store.StatusDeleted}

	rec, _ := h.do(t, h.accessToken(t, "t1"), true)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestUnknownTenant(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, h.accessToken(t, "ghost"), true)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshTokenRejectedAtGate(t *testing.T) {
	h := newHarness(t)
	h.store.tenants["t1"] = &store.Tenant{ID: "t1", Status: store.StatusActive}

	pair, err := h.tokens.IssuePair(&store.TenantUser{ID: "u1"}, &store.Tenant{ID: "t1"})
	require.NoError(t, err)

	rec, _ := h.do(t, pair.RefreshToken, true)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitDenialCarriesRetryAfter(t *testing.T) {
	h := newHarness(t)
	one := int64(1)
	h.store.tenants["t1"] = &store.Tenant{
		ID: "t1", Status: store.StatusActive,
		HourlyLimitOverride: &one,
	}
	token := h.accessToken(t, "t1")

	rec, _ := h.do(t, token, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, admitted := h.do(t, token, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, admitted)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 3600)
}

func TestRateLimitedRequestStillTouchesActivity(t *testing.T) {
	h := newHarness(t)
	one := int64(1)
	h.store.tenants["t1"] = &store.Tenant{
		ID: "t1", Status: store.StatusActive,
		HourlyLimitOverride: &one,
	}
	token := h.accessToken(t, "t1")

	rec, _ := h.do(t, token, true)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, token, true)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The tenant passed the status gate twice; both requests count as
	// activity even though the second was denied. The touch is async.
	require.Eventually(t, func() bool {
		return h.store.touchCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlanQuotaApplies(t *testing.T) {
	h := newHarness(t)
	h.store.plans["starter"] = &store.Plan{ID: "starter", HourlyQuota: 2, DailyQuota: 100}
	h.store.tenants["t1"] = &store.Tenant{ID: "t1", Status: store.StatusActive, PlanID: "starter"}
	token := h.accessToken(t, "t1")

	for i := 0; i < 2; i++ {
		rec, _ := h.do(t, token, true)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec, _ := h.do(t, token, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUnratedRoutesSkipTheLimiter(t *testing.T) {
	h := newHarness(t)
	one := int64(1)
	h.store.tenants["t1"] = &store.Tenant{
		ID: "t1", Status: store.StatusActive,
		HourlyLimitOverride: &one,
	}
	token := h.accessToken(t, "t1")

	for i := 0; i < 3; i++ {
		rec, _ := h.do(t, token, false)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 0, h.rateKeyCount(t))
}

func TestAdminMiddleware(t *testing.T) {
	h := newHarness(t)
	handler := h.pipeline.AdminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := FromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, auth.KindAdmin, rc.Claims.Kind)
		w.WriteHeader(http.StatusOK)
	}))

	adminToken, err := h.tokens.IssueAdmin("ops", "superadmin")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/v1/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A tenant access token is signed with the wrong key for this space.
	req = httptest.NewRequest("POST", "/api/v1/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+h.accessToken(t, "t1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
