package ledger

import (
	"context"
	"log"
	"time"

	"github.com/bridgecore/gateway/internal/store"
)

// AggregateStore is the store slice the rollup jobs read and write.
type AggregateStore interface {
	TenantIDsWithUsageBetween(ctx context.Context, from, to time.Time) ([]string, error)
	AggregateUsage(ctx context.Context, tenantID string, from, to time.Time) (*store.UsageStat, error)
	ReplaceUsageStat(ctx context.Context, stat *store.UsageStat) error
	TenantIDsWithStatsOn(ctx context.Context, date time.Time) ([]string, error)
	HourlyStatsForDay(ctx context.Context, tenantID string, date time.Time) ([]store.UsageStat, error)
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteResolvedErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Aggregator runs the scheduled rollups. Each run is idempotent: the
// target bucket is replaced wholesale, so re-running after a crash
// converges instead of double counting.
type Aggregator struct {
	store  AggregateStore
	logger *log.Logger
}

// NewAggregator builds the rollup runner.
func NewAggregator(s AggregateStore) *Aggregator {
	return &Aggregator{store: s, logger: log.New(log.Writer(), "[AGG] ", log.LstdFlags)}
}

// RollupHour folds raw usage for the hour containing ref (normally the
// previous wall-clock hour) into one stat row per active tenant.
func (a *Aggregator) RollupHour(ctx context.Context, ref time.Time) error {
	from := ref.UTC().Truncate(time.Hour)
	to := from.Add(time.Hour)

	tenants, err := a.store.TenantIDsWithUsageBetween(ctx, from, to)
	if err != nil {
		return err
	}

	hour := from.Hour()
	date := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for _, id := range tenants {
		stat, err := a.store.AggregateUsage(ctx, id, from, to)
		if err != nil {
			a.logger.Printf("hourly rollup for %s: %v", id, err)
			continue
		}
		stat.StatDate = date
		h := hour
		stat.StatHour = &h
		if err := a.store.ReplaceUsageStat(ctx, stat); err != nil {
			a.logger.Printf("write hourly stat for %s: %v", id, err)
		}
	}
	a.logger.Printf("hourly rollup %s covered %d tenants", from.Format("2006-01-02T15"), len(tenants))
	return nil
}

// RollupDay folds a date's hourly stats into one daily row per tenant,
// computing the peak hour from the hourly request counts.
func (a *Aggregator) RollupDay(ctx context.Context, date time.Time) error {
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	tenants, err := a.store.TenantIDsWithStatsOn(ctx, date)
	if err != nil {
		return err
	}

	for _, id := range tenants {
		hours, err := a.store.HourlyStatsForDay(ctx, id, date)
		if err != nil {
			a.logger.Printf("daily rollup for %s: %v", id, err)
			continue
		}
		if len(hours) == 0 {
			continue
		}
		daily := foldDay(id, date, hours)
		if err := a.store.ReplaceUsageStat(ctx, daily); err != nil {
			a.logger.Printf("write daily stat for %s: %v", id, err)
		}
	}
	a.logger.Printf("daily rollup %s covered %d tenants", date.Format("2006-01-02"), len(tenants))
	return nil
}

// foldDay combines hourly stats: counts and bytes sum, latency is the
// count-weighted mean, unique users takes the day's max hourly value (the
// raw rows are gone by the time retention matters, so this is the best
// available bound), top model is the modal hourly winner.
func foldDay(tenantID string, date time.Time, hours []store.UsageStat) *store.UsageStat {
	daily := &store.UsageStat{TenantID: tenantID, StatDate: date}

	var weightedLatency float64
	var peakCount int64 = -1
	modelVotes := map[string]int64{}

	for _, h := range hours {
		daily.Count += h.Count
		daily.Successes += h.Successes
		daily.Failures += h.Failures
		daily.BytesIn += h.BytesIn
		daily.BytesOut += h.BytesOut
		weightedLatency += h.AvgLatencyMs * float64(h.Count)
		if h.UniqueUsers > daily.UniqueUsers {
			daily.UniqueUsers = h.UniqueUsers
		}
		if h.TopModel != "" {
			modelVotes[h.TopModel] += h.Count
		}
		if h.StatHour != nil && h.Count > peakCount {
			peakCount = h.Count
			hh := *h.StatHour
			daily.PeakHour = &hh
		}
	}

	if daily.Count > 0 {
		daily.AvgLatencyMs = weightedLatency / float64(daily.Count)
	}

	var best int64
	for model, votes := range modelVotes {
		if votes > best || (votes == best && model < daily.TopModel) {
			best = votes
			daily.TopModel = model
		}
	}
	return daily
}

// EnforceRetention trims raw usage rows and resolved error rows older
// than the retention window. Stats rows are kept indefinitely.
func (a *Aggregator) EnforceRetention(ctx context.Context, retentionDays int, now time.Time) error {
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)

	usage, err := a.store.DeleteUsageBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	errs, err := a.store.DeleteResolvedErrorsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.logger.Printf("retention trimmed %d usage rows, %d resolved errors (cutoff %s)",
		usage, errs, cutoff.Format("2006-01-02"))
	return nil
}
