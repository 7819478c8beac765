// Package registry is the policy layer's view of tenants: resolve by id,
// resolve a user at login, and open the upstream connection config. Reads
// are hot-cached in memory with a short TTL; admin-plane mutations publish
// on a Redis channel and the registry drops the touched entry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/store"
	"github.com/bridgecore/gateway/internal/vault"
)

// InvalidationChannel is where the admin plane announces tenant mutations.
const InvalidationChannel = "bc:registry:invalidate"

// DefaultCacheTTL is the hot-cache backstop; invalidation events normally
// land well before it fires.
const DefaultCacheTTL = 30 * time.Second

// TenantStore is the slice of the persistent store the registry reads.
type TenantStore interface {
	GetTenantByID(ctx context.Context, id string) (*store.Tenant, error)
	GetUserForLogin(ctx context.Context, email string, slug *string) (*store.TenantUser, *store.Tenant, error)
	GetPlan(ctx context.Context, id string) (*store.Plan, error)
	TouchLastActivity(ctx context.Context, tenantID string, at time.Time) error
}

// Subscriber is the pub/sub surface the registry listens on.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

// UpstreamConfig is a tenant's decrypted connection block. It lives only
// on the stack of the call that needs it.
type UpstreamConfig struct {
	BaseURL  string
	Database string
	Username string
	Password string
	Version  string
}

// InvalidationEvent is the message the admin plane publishes.
type InvalidationEvent struct {
	TenantID string `json:"tenant_id"`
}

type cacheEntry struct {
	tenant  *store.Tenant
	plan    *store.Plan
	expires time.Time
}

// Registry resolves tenants and users for the admission pipeline.
type Registry struct {
	store TenantStore
	vault *vault.Keyset

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration

	unsub  func()
	logger *log.Logger
}

// New builds a registry. sub may be nil in tests that don't exercise
// invalidation fan-out.
func New(ts TenantStore, ks *vault.Keyset, sub Subscriber) (*Registry, error) {
	r := &Registry{
		store:  ts,
		vault:  ks,
		cache:  make(map[string]cacheEntry),
		ttl:    DefaultCacheTTL,
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}

	if sub != nil {
		unsub, err := sub.Subscribe(context.Background(), InvalidationChannel, r.handleInvalidation)
		if err != nil {
			return nil, err
		}
		r.unsub = unsub
	}
	return r, nil
}

// Close detaches the invalidation subscription.
func (r *Registry) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}

func (r *Registry) handleInvalidation(msg []byte) {
	var ev InvalidationEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		r.logger.Printf("bad invalidation message: %v", err)
		return
	}
	r.Invalidate(ev.TenantID)
}

// Invalidate drops a tenant from the hot cache.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// ResolveByID returns the tenant snapshot and its plan, serving from the
// hot cache when fresh.
func (r *Registry) ResolveByID(ctx context.Context, tenantID string) (*store.Tenant, *store.Plan, error) {
	r.mu.RLock()
	entry, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.tenant, entry.plan, nil
	}

	tenant, err := r.store.GetTenantByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.Newf(apperr.KindTenantUnknown, "tenant %s not found", tenantID)
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, "tenant lookup", err)
	}

	var plan *store.Plan
	if tenant.PlanID != "" {
		plan, err = r.store.GetPlan(ctx, tenant.PlanID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "plan lookup", err)
		}
	}

	r.mu.Lock()
	r.cache[tenantID] = cacheEntry{tenant: tenant, plan: plan, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return tenant, plan, nil
}

// ResolveUser verifies a login. Password mismatch fails with AuthFailed,
// an inactive user with UserInactive. Tenant status is NOT gated here;
// the admission pipeline owns that decision on each request.
func (r *Registry) ResolveUser(ctx context.Context, email string, slug *string, password string) (*store.TenantUser, *store.Tenant, error) {
	user, tenant, err := r.store.GetUserForLogin(ctx, email, slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Same failure as a bad password: never reveal which part was wrong.
			return nil, nil, apperr.New(apperr.KindAuthFailed, "invalid credentials")
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, "user lookup", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, apperr.New(apperr.KindAuthFailed, "invalid credentials")
	}
	if !user.IsActive {
		return nil, nil, apperr.New(apperr.KindUserInactive, "user is inactive")
	}

	return user, tenant, nil
}

// ResolveUpstream opens the tenant's sealed password and returns the
// connection config.
func (r *Registry) ResolveUpstream(tenant *store.Tenant) (*UpstreamConfig, error) {
	password, err := r.vault.Open(tenant.UpstreamPasswordEnc)
	if err != nil {
		return nil, err
	}
	return &UpstreamConfig{
		BaseURL:  tenant.UpstreamURL,
		Database: tenant.UpstreamDB,
		Username: tenant.UpstreamUsername,
		Password: password,
		Version:  tenant.UpstreamVersion,
	}, nil
}

// TouchActivity asynchronously updates last-activity; the request path
// never blocks on this write.
func (r *Registry) TouchActivity(tenantID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.TouchLastActivity(ctx, tenantID, time.Now().UTC()); err != nil {
			r.logger.Printf("touch last_activity for %s: %v", tenantID, err)
		}
	}()
}

// EffectiveLimits resolves the tenant's quotas: per-tenant overrides win,
// then the plan, then the configured defaults.
func EffectiveLimits(tenant *store.Tenant, plan *store.Plan, defaultHourly, defaultDaily int64) (hourly, daily int64) {
	hourly, daily = defaultHourly, defaultDaily
	if plan != nil {
		if plan.HourlyQuota > 0 {
			hourly = plan.HourlyQuota
		}
		if plan.DailyQuota > 0 {
			daily = plan.DailyQuota
		}
	}
	if tenant.HourlyLimitOverride != nil && *tenant.HourlyLimitOverride > 0 {
		hourly = *tenant.HourlyLimitOverride
	}
	if tenant.DailyLimitOverride != nil && *tenant.DailyLimitOverride > 0 {
		daily = *tenant.DailyLimitOverride
	}
	return hourly, daily
}
