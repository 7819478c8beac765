package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertUsageRecord appends one request row.
func (s *Store) InsertUsageRecord(ctx context.Context, r *UsageRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO usage_records (tenant_id, user_id, ts, endpoint, method, model,
			request_bytes, response_bytes, latency_ms, status_code, client_ip, user_agent)
		 VALUES (:tenant_id, :user_id, :ts, :endpoint, :method, :model,
			:request_bytes, :response_bytes, :latency_ms, :status_code, :client_ip, :user_agent)`, r)
	return err
}

// InsertErrorRecord appends one error row.
func (s *Store) InsertErrorRecord(ctx context.Context, r *ErrorRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO error_records (tenant_id, user_id, ts, kind, message, stack_digest,
			endpoint, request_id, severity, resolved, notes)
		 VALUES (:tenant_id, :user_id, :ts, :kind, :message, :stack_digest,
			:endpoint, :request_id, :severity, :resolved, :notes)`, r)
	return err
}

// TenantIDsWithUsageBetween lists tenants that produced usage in a window.
func (s *Store) TenantIDsWithUsageBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT tenant_id FROM usage_records WHERE ts >= $1 AND ts < $2`, from, to)
	return ids, err
}

// usageAggRow scans the fold query.
type usageAggRow struct {
	Count        int64           `db:"request_count"`
	Successes    int64           `db:"successes"`
	Failures     int64           `db:"failures"`
	BytesIn      int64           `db:"bytes_in"`
	BytesOut     int64           `db:"bytes_out"`
	AvgLatencyMs sql.NullFloat64 `db:"avg_latency_ms"`
	UniqueUsers  int64           `db:"unique_users"`
}

// AggregateUsage folds a tenant's raw usage rows in [from, to) into one
// UsageStat (stat date/hour filled by the caller). Deterministic over the
// same raw rows, so replays produce identical stats.
func (s *Store) AggregateUsage(ctx context.Context, tenantID string, from, to time.Time) (*UsageStat, error) {
	var agg usageAggRow
	err := s.db.GetContext(ctx, &agg,
		`SELECT COUNT(*) request_count,
			COUNT(*) FILTER (WHERE status_code < 400) successes,
			COUNT(*) FILTER (WHERE status_code >= 400) failures,
			COALESCE(SUM(request_bytes), 0) bytes_in,
			COALESCE(SUM(response_bytes), 0) bytes_out,
			AVG(latency_ms) avg_latency_ms,
			COUNT(DISTINCT user_id) unique_users
		 FROM usage_records WHERE tenant_id = $1 AND ts >= $2 AND ts < $3`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}

	var topModel sql.NullString
	err = s.db.GetContext(ctx, &topModel,
		`SELECT model FROM usage_records
		 WHERE tenant_id = $1 AND ts >= $2 AND ts < $3 AND model <> ''
		 GROUP BY model ORDER BY COUNT(*) DESC, model LIMIT 1`,
		tenantID, from, to)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	stat := &UsageStat{
		TenantID:    tenantID,
		Count:       agg.Count,
		Successes:   agg.Successes,
		Failures:    agg.Failures,
		BytesIn:     agg.BytesIn,
		BytesOut:    agg.BytesOut,
		UniqueUsers: agg.UniqueUsers,
		TopModel:    topModel.String,
	}
	if agg.AvgLatencyMs.Valid {
		stat.AvgLatencyMs = agg.AvgLatencyMs.Float64
	}
	return stat, nil
}

// ReplaceUsageStat idempotently writes a stat row: the bucket is deleted
// and re-inserted inside one transaction, so a crashed run followed by a
// re-run converges to the same row.
func (s *Store) ReplaceUsageStat(ctx context.Context, stat *UsageStat) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if stat.StatHour != nil {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM usage_stats WHERE tenant_id = $1 AND stat_date = $2 AND stat_hour = $3`,
			stat.TenantID, stat.StatDate, *stat.StatHour)
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM usage_stats WHERE tenant_id = $1 AND stat_date = $2 AND stat_hour IS NULL`,
			stat.TenantID, stat.StatDate)
	}
	if err != nil {
		return err
	}

	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO usage_stats (tenant_id, stat_date, stat_hour, request_count, successes,
			failures, bytes_in, bytes_out, avg_latency_ms, unique_users, top_model, peak_hour)
		 VALUES (:tenant_id, :stat_date, :stat_hour, :request_count, :successes,
			:failures, :bytes_in, :bytes_out, :avg_latency_ms, :unique_users, :top_model, :peak_hour)`,
		stat)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// HourlyStatsForDay returns a tenant's hourly rollups for one date,
// ordered by hour (daily aggregation input).
func (s *Store) HourlyStatsForDay(ctx context.Context, tenantID string, date time.Time) ([]UsageStat, error) {
	var stats []UsageStat
	err := s.db.SelectContext(ctx, &stats,
		`SELECT tenant_id, stat_date, stat_hour, request_count, successes, failures,
			bytes_in, bytes_out, avg_latency_ms, unique_users, top_model, peak_hour
		 FROM usage_stats
		 WHERE tenant_id = $1 AND stat_date = $2 AND stat_hour IS NOT NULL
		 ORDER BY stat_hour`, tenantID, date)
	return stats, err
}

// TenantIDsWithStatsOn lists tenants holding hourly stats for a date.
func (s *Store) TenantIDsWithStatsOn(ctx context.Context, date time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT tenant_id FROM usage_stats WHERE stat_date = $1 AND stat_hour IS NOT NULL`, date)
	return ids, err
}

// DeleteUsageBefore trims usage rows past retention.
func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteResolvedErrorsBefore trims resolved error rows past retention.
// Unresolved rows are retained regardless of age.
func (s *Store) DeleteResolvedErrorsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM error_records WHERE resolved AND ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
