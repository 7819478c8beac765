package upstream

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/payload"
	"github.com/bridgecore/gateway/internal/registry"
	"github.com/bridgecore/gateway/internal/store"
)

// CredentialSource opens a tenant's upstream connection config.
type CredentialSource interface {
	ResolveUpstream(tenant *store.Tenant) (*registry.UpstreamConfig, error)
}

// PoolConfig tunes the session pool.
type PoolConfig struct {
	DefaultTimeout time.Duration
	// Per-operation overrides.
	OpTimeouts map[string]time.Duration
	IdleTTL    time.Duration
}

type handle struct {
	client   *Client
	session  *Session
	created  time.Time
	lastUsed time.Time
}

// Pool keeps one authenticated session handle per tenant. RPC calls may
// run concurrently on a handle (the upstream session is stateless for
// RPC); only authenticate-and-store is serialized per tenant so a burst
// of requests after expiry produces one reauth, not a herd.
type Pool struct {
	creds   CredentialSource
	metrics *metrics.Metrics
	cfg     PoolConfig

	mu      sync.Mutex
	handles map[string]*handle
	authMu  map[string]*sync.Mutex

	breakers *breakerSet
	logger   *log.Logger
}

// NewPool creates the session pool.
func NewPool(creds CredentialSource, m *metrics.Metrics, cfg PoolConfig) *Pool {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Pool{
		creds:    creds,
		metrics:  m,
		cfg:      cfg,
		handles:  make(map[string]*handle),
		authMu:   make(map[string]*sync.Mutex),
		breakers: newBreakerSet(defaultBreakerConfig()),
		logger:   log.New(log.Writer(), "[POOL] ", log.LstdFlags),
	}
}

// Call performs one upstream RPC for a tenant, authenticating on demand
// and retrying exactly once when the upstream signals session expiry.
func (p *Pool) Call(ctx context.Context, tenant *store.Tenant, op, model string, pl payload.Value) ([]byte, error) {
	br := p.breakers.get(tenant.ID)
	if err := br.allow(); err != nil {
		p.metrics.RecordUpstreamError(tenant.ID, "circuit_open")
		return nil, apperr.Wrap(apperr.KindUpstreamUnreachable, "upstream circuit open", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeoutFor(op))
	defer cancel()

	method, args, kwargs, err := buildCall(op, model, pl)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidPayload, "build upstream call", err)
	}

	h, err := p.handleFor(ctx, tenant)
	if err != nil {
		br.record(false)
		return nil, err
	}

	result, callErr := h.client.CallKw(ctx, h.session, model, method, args, kwargs)
	if errors.Is(callErr, ErrSessionExpired) {
		p.metrics.RecordUpstreamError(tenant.ID, "session_expired")
		p.drop(tenant.ID)

		h, err = p.handleFor(ctx, tenant)
		if err != nil {
			br.record(false)
			return nil, err
		}
		result, callErr = h.client.CallKw(ctx, h.session, model, method, args, kwargs)
	}

	if callErr != nil {
		br.record(false)
		return nil, p.classify(tenant.ID, callErr)
	}

	br.record(true)
	p.touch(tenant.ID)
	return result, nil
}

// handleFor returns the tenant's handle, authenticating under the
// per-tenant mutex when none exists.
func (p *Pool) handleFor(ctx context.Context, tenant *store.Tenant) (*handle, error) {
	p.mu.Lock()
	if h, ok := p.handles[tenant.ID]; ok {
		p.mu.Unlock()
		return h, nil
	}
	am, ok := p.authMu[tenant.ID]
	if !ok {
		am = &sync.Mutex{}
		p.authMu[tenant.ID] = am
	}
	p.mu.Unlock()

	am.Lock()
	defer am.Unlock()

	// Another waiter may have authenticated while we queued.
	p.mu.Lock()
	if h, ok := p.handles[tenant.ID]; ok {
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	cfg, err := p.creds.ResolveUpstream(tenant)
	if err != nil {
		return nil, err // CryptoError from the vault; tenant is unusable
	}

	client := NewClient(cfg.BaseURL)
	sess, err := client.Authenticate(ctx, cfg.Database, cfg.Username, cfg.Password)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			p.metrics.RecordUpstreamError(tenant.ID, "auth_failed")
			return nil, apperr.Wrap(apperr.KindUpstreamAuthFailed, "upstream rejected credentials", err)
		}
		return nil, p.classify(tenant.ID, err)
	}

	h := &handle{client: client, session: sess, created: time.Now(), lastUsed: time.Now()}
	p.mu.Lock()
	p.handles[tenant.ID] = h
	p.mu.Unlock()
	return h, nil
}

func (p *Pool) drop(tenantID string) {
	p.mu.Lock()
	delete(p.handles, tenantID)
	p.mu.Unlock()
}

func (p *Pool) touch(tenantID string) {
	p.mu.Lock()
	if h, ok := p.handles[tenantID]; ok {
		h.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

// SweepIdle evicts handles unused past the idle TTL. Returns the count
// evicted; the scheduler runs this periodically.
func (p *Pool) SweepIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-p.cfg.IdleTTL)
	for id, h := range p.handles {
		if h.lastUsed.Before(cutoff) {
			delete(p.handles, id)
			evicted++
		}
	}
	if evicted > 0 {
		p.logger.Printf("evicted %d idle upstream sessions", evicted)
	}
	return evicted
}

func (p *Pool) timeoutFor(op string) time.Duration {
	if d, ok := p.cfg.OpTimeouts[op]; ok && d > 0 {
		return d
	}
	return p.cfg.DefaultTimeout
}

// classify maps transport and RPC failures onto the error table.
func (p *Pool) classify(tenantID string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		p.metrics.RecordUpstreamError(tenantID, "rpc_error")
		return apperr.Wrap(apperr.KindUpstreamError, "upstream call failed", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		p.metrics.RecordUpstreamError(tenantID, "timeout")
		return apperr.Wrap(apperr.KindUpstreamTimeout, "upstream call timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		p.metrics.RecordUpstreamError(tenantID, "timeout")
		return apperr.Wrap(apperr.KindUpstreamTimeout, "upstream call timed out", err)
	}

	p.metrics.RecordUpstreamError(tenantID, "unreachable")
	return apperr.Wrap(apperr.KindUpstreamUnreachable, "upstream unreachable", err)
}
