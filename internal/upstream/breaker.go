package upstream

import (
	"errors"
	"log"
	"sync"
	"time"
)

// Per-tenant circuit breakers isolate a misbehaving upstream: one
// tenant's flapping ERP never consumes the pool's capacity for others.

// ErrCircuitOpen is returned while a tenant's breaker is open.
var ErrCircuitOpen = errors.New("upstream: circuit open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breakerConfig tunes one tenant's breaker.
type breakerConfig struct {
	// consecutive failures that trip the breaker in closed state
	tripAfter uint32
	// how long open state lasts before probing
	cooldown time.Duration
	// successes in half-open needed to close again
	probeSuccesses uint32
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{
		tripAfter:      5,
		cooldown:       30 * time.Second,
		probeSuccesses: 2,
	}
}

type breaker struct {
	mu        sync.Mutex
	cfg       breakerConfig
	name      string
	state     breakerState
	failures  uint32
	successes uint32
	openedAt  time.Time
}

func newBreaker(name string, cfg breakerConfig) *breaker {
	return &breaker{name: name, cfg: cfg, state: stateClosed}
}

// allow reports whether a request may proceed right now.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		if time.Since(b.openedAt) < b.cfg.cooldown {
			return ErrCircuitOpen
		}
		b.setState(stateHalfOpen)
	}
	return nil
}

// record feeds the outcome of a completed request back in.
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.tripAfter {
			b.setState(stateOpen)
		}
	case stateHalfOpen:
		if !success {
			b.setState(stateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.probeSuccesses {
			b.setState(stateClosed)
		}
	}
}

func (b *breaker) setState(s breakerState) {
	if b.state == s {
		return
	}
	log.Printf("[BREAKER:%s] %s -> %s", b.name, b.state, s)
	b.state = s
	b.failures = 0
	b.successes = 0
	if s == stateOpen {
		b.openedAt = time.Now()
	}
}

// breakerSet hands out one breaker per tenant.
type breakerSet struct {
	mu       sync.RWMutex
	cfg      breakerConfig
	breakers map[string]*breaker
}

func newBreakerSet(cfg breakerConfig) *breakerSet {
	return &breakerSet{cfg: cfg, breakers: make(map[string]*breaker)}
}

func (s *breakerSet) get(tenantID string) *breaker {
	s.mu.RLock()
	b, ok := s.breakers[tenantID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok = s.breakers[tenantID]; ok {
		return b
	}
	b = newBreaker(tenantID, s.cfg)
	s.breakers[tenantID] = b
	return b
}
