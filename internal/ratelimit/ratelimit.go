// Package ratelimit enforces per-tenant hourly and daily quotas with
// atomic counters in the shared KV. The increment-and-compare is a single
// INCR per bucket, so two concurrent requests for the same tenant always
// observe distinct counter values; the quota boundary cannot be crossed
// twice.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bridgecore/gateway/internal/kv"
)

// Scopes a denial can come from.
const (
	ScopeHour = "hour"
	ScopeDay  = "day"
)

// Result is a rate decision.
type Result struct {
	Allowed       bool
	RemainingHour int64
	RemainingDay  int64
	// Denials only: seconds until the nearest offending bucket resets,
	// and which scope denied.
	RetryAfter int
	Scope      string
}

// Limiter checks tenants against their effective quotas.
type Limiter struct {
	kv *kv.Client
}

// New creates a limiter over the shared KV.
func New(kvc *kv.Client) *Limiter {
	return &Limiter{kv: kvc}
}

// Check charges one request against both buckets and decides. Both
// counters are incremented before comparison; a denial does not refund
// them; counters are monotonic within their bucket by contract.
func (l *Limiter) Check(ctx context.Context, tenantID string, hourlyLimit, dailyLimit int64, now time.Time) (*Result, error) {
	now = now.UTC()

	hourKey := fmt.Sprintf("bc:rl:h:%s:%s", tenantID, now.Format("2006010215"))
	dayKey := fmt.Sprintf("bc:rl:d:%s:%s", tenantID, now.Format("20060102"))

	hourCount, err := l.kv.IncrWithExpire(ctx, hourKey, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("ratelimit hour incr: %w", err)
	}
	dayCount, err := l.kv.IncrWithExpire(ctx, dayKey, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("ratelimit day incr: %w", err)
	}

	res := &Result{
		RemainingHour: max64(hourlyLimit-hourCount, 0),
		RemainingDay:  max64(dailyLimit-dayCount, 0),
	}

	hourDenied := hourCount > hourlyLimit
	dayDenied := dayCount > dailyLimit
	if !hourDenied && !dayDenied {
		res.Allowed = true
		return res, nil
	}

	// Retry-After is the smaller of the offending bucket resets.
	secsToHour := secondsUntilNextHour(now)
	secsToDay := secondsUntilNextDay(now)
	switch {
	case hourDenied && dayDenied:
		res.Scope = ScopeHour
		res.RetryAfter = secsToHour
		if secsToDay < secsToHour {
			res.Scope = ScopeDay
			res.RetryAfter = secsToDay
		}
	case hourDenied:
		res.Scope = ScopeHour
		res.RetryAfter = secsToHour
	default:
		res.Scope = ScopeDay
		res.RetryAfter = secsToDay
	}
	return res, nil
}

// Both helpers round up, so the hint never exceeds the bucket length and
// never hits zero inside one.
func secondsUntilNextHour(now time.Time) int {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return int(math.Ceil(next.Sub(now).Seconds()))
}

func secondsUntilNextDay(now time.Time) int {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return int(math.Ceil(next.Sub(now).Seconds()))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
