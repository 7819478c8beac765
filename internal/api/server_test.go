package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/gateway/internal/admission"
	"github.com/bridgecore/gateway/internal/auth"
	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/ratelimit"
	"github.com/bridgecore/gateway/internal/registry"
	"github.com/bridgecore/gateway/internal/store"
	"github.com/bridgecore/gateway/internal/vault"
)

type stubTenantStore struct {
	tenant *store.Tenant
}

func (s *stubTenantStore) GetTenantByID(_ context.Context, id string) (*store.Tenant, error) {
	if s.tenant != nil && s.tenant.ID == id {
		cp := *s.tenant
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubTenantStore) GetUserForLogin(context.Context, string, *string) (*store.TenantUser, *store.Tenant, error) {
	return nil, nil, store.ErrNotFound
}

func (s *stubTenantStore) GetPlan(context.Context, string) (*store.Plan, error) {
	return nil, store.ErrNotFound
}

func (s *stubTenantStore) TouchLastActivity(context.Context, string, time.Time) error { return nil }

type routerHarness struct {
	router  http.Handler
	tokens  *auth.TokenService
	limiter *ratelimit.Limiter
}

func newRouterHarness(t *testing.T, tenant *store.Tenant) *routerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kvc.Close() })

	ks, err := vault.New("k")
	require.NoError(t, err)
	reg, err := registry.New(&stubTenantStore{tenant: tenant}, ks, nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	tokens := auth.New(auth.Config{
		TenantKey: []byte("tk"),
		AdminKey:  []byte("ak"),
	}, kvc)
	limiter := ratelimit.New(kvc)
	adm := admission.New(tokens, reg, limiter, metrics.New(prometheus.NewRegistry()),
		1000, 10000, WriteError)

	srv := NewServer(tokens, reg, adm, nil, nil, nil, nil, nil, kvc)
	return &routerHarness{router: srv.Router(), tokens: tokens, limiter: limiter}
}

// The gated auth routes are client-plane surface: they run behind the full
// admission gate, rate limit included.
func TestGatedAuthRoutesAreMetered(t *testing.T) {
	one := int64(1)
	h := newRouterHarness(t, &store.Tenant{
		ID: "t1", Status: store.StatusActive,
		HourlyLimitOverride: &one,
	})

	pair, err := h.tokens.IssuePair(&store.TenantUser{ID: "u1", Role: "user"}, &store.Tenant{ID: "t1"})
	require.NoError(t, err)

	// Burn the single hourly unit; the next metered request must be denied.
	res, err := h.limiter.Check(context.Background(), "t1", 1, 10000, time.Now())
	require.NoError(t, err)
	require.True(t, res.Allowed)

	for _, path := range []string{"/api/v1/auth/tenant/me", "/api/v1/auth/tenant/logout"} {
		req := httptest.NewRequest("POST", path, nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"), path)
	}
}

func TestGatedAuthRoutesRequireToken(t *testing.T) {
	h := newRouterHarness(t, &store.Tenant{ID: "t1", Status: store.StatusActive})

	for _, path := range []string{"/api/v1/auth/tenant/me", "/api/v1/auth/tenant/logout"} {
		req := httptest.NewRequest("POST", path, nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}
