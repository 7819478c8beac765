// Package admission is the ordered gate every tenant-plane request passes
// before reaching a handler: bearer token, tenant resolution, tenant
// status, rate limit, then context attachment. The order is contractual;
// a suspended tenant burns no quota and a rate-limited request is charged
// before denial.
package admission

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/auth"
	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/ratelimit"
	"github.com/bridgecore/gateway/internal/registry"
	"github.com/bridgecore/gateway/internal/store"
)

type ctxKey int

const requestCtxKey ctxKey = iota

// RequestContext is what admission attaches for downstream handlers.
type RequestContext struct {
	Claims *auth.Claims
	Tenant *store.Tenant
	Plan   *store.Plan

	HourlyLimit int64
	DailyLimit  int64

	RemainingHour int64
	RemainingDay  int64
}

// FromContext returns the admitted request context, if admission ran.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestCtxKey).(*RequestContext)
	return rc, ok
}

// WithRequestContext attaches an admitted context; exported for tests and
// the sync plane which shares handlers with the RPC surface.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestCtxKey, rc)
}

// ErrorWriter renders a typed error as the API envelope. The API package
// provides it; admission stays free of response formatting.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err *apperr.Error)

// Pipeline holds the gate's collaborators.
type Pipeline struct {
	tokens   *auth.TokenService
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics

	defaultHourly int64
	defaultDaily  int64

	writeError ErrorWriter
}

// New builds the admission pipeline.
func New(tokens *auth.TokenService, reg *registry.Registry, limiter *ratelimit.Limiter, m *metrics.Metrics, defaultHourly, defaultDaily int64, writeError ErrorWriter) *Pipeline {
	return &Pipeline{
		tokens:        tokens,
		registry:      reg,
		limiter:       limiter,
		metrics:       m,
		defaultHourly: defaultHourly,
		defaultDaily:  defaultDaily,
		writeError:    writeError,
	}
}

// Middleware runs the full gate. rateLimited controls whether the rate
// step runs; auth-plane routes skip it, the RPC and sync planes do not.
func (p *Pipeline) Middleware(rateLimited bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, aerr := p.admit(r, rateLimited)
			if aerr != nil {
				p.writeError(w, r, aerr)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
		})
	}
}

// AdminMiddleware guards management-plane routes with the admin key space.
func (p *Pipeline) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, aerr := bearerToken(r)
		if aerr != nil {
			p.writeError(w, r, aerr)
			return
		}
		claims, err := p.tokens.VerifyAdminToken(r.Context(), tokenStr)
		if err != nil {
			p.writeError(w, r, apperr.From(err))
			return
		}
		rc := &RequestContext{Claims: claims}
		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}

func (p *Pipeline) admit(r *http.Request, rateLimited bool) (*RequestContext, *apperr.Error) {
	ctx := r.Context()

	// Step 1: bearer token.
	tokenStr, aerr := bearerToken(r)
	if aerr != nil {
		return nil, aerr
	}
	claims, err := p.tokens.VerifyTenantToken(ctx, tokenStr, auth.KindAccess)
	if err != nil {
		return nil, apperr.From(err)
	}

	// Step 2: tenant resolution.
	tenant, plan, err := p.registry.ResolveByID(ctx, claims.TenantID)
	if err != nil {
		return nil, apperr.From(err)
	}

	// Step 3: status gate, before any quota is consumed.
	switch tenant.Status {
	case store.StatusActive, store.StatusTrial:
	case store.StatusSuspended:
		return nil, apperr.New(apperr.KindTenantSuspended, "tenant is suspended")
	case store.StatusDeleted:
		return nil, apperr.New(apperr.KindTenantDeleted, "tenant is deleted")
	default:
		return nil, apperr.Newf(apperr.KindTenantSuspended, "tenant status %q does not admit requests", tenant.Status)
	}

	// The touch belongs to status-gate success: a rate-limited tenant is
	// still active. Fire-and-forget off the hot path.
	p.registry.TouchActivity(tenant.ID)

	rc := &RequestContext{Claims: claims, Tenant: tenant, Plan: plan}
	rc.HourlyLimit, rc.DailyLimit = registry.EffectiveLimits(tenant, plan, p.defaultHourly, p.defaultDaily)

	// Step 4: rate limit.
	if rateLimited {
		res, err := p.limiter.Check(ctx, tenant.ID, rc.HourlyLimit, rc.DailyLimit, time.Now())
		if err != nil {
			return nil, apperr.From(err)
		}
		rc.RemainingHour = res.RemainingHour
		rc.RemainingDay = res.RemainingDay
		if !res.Allowed {
			p.metrics.RecordRateDenied(tenant.ID, res.Scope)
			e := apperr.Newf(apperr.KindRateLimited, "%s quota exceeded", res.Scope)
			e.RetryAfter = res.RetryAfter
			return nil, e
		}
	}

	// Step 5: context attachment done by the caller.
	return rc, nil
}

func bearerToken(r *http.Request) (string, *apperr.Error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", apperr.New(apperr.KindMissingToken, "missing Authorization header")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", apperr.New(apperr.KindInvalidToken, "malformed Authorization header")
	}
	return parts[1], nil
}
