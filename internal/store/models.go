package store

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Tenant statuses.
const (
	StatusTrial     = "trial"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// Event change kinds.
const (
	EventCreate = "create"
	EventWrite  = "write"
	EventUnlink = "unlink"
)

// Tenant is one upstream ERP instance plus its policy profile.
type Tenant struct {
	ID           string `db:"id" json:"id"`
	Slug         string `db:"slug" json:"slug"`
	Name         string `db:"name" json:"name"`
	ContactEmail string `db:"contact_email" json:"contact_email"`

	UpstreamURL         string `db:"upstream_url" json:"-"`
	UpstreamDB          string `db:"upstream_db" json:"-"`
	UpstreamUsername    string `db:"upstream_username" json:"-"`
	UpstreamPasswordEnc string `db:"upstream_password_enc" json:"-"`
	UpstreamVersion     string `db:"upstream_version" json:"upstream_version"`

	PlanID              string         `db:"plan_id" json:"plan_id"`
	HourlyLimitOverride *int64         `db:"hourly_limit_override" json:"hourly_limit_override,omitempty"`
	DailyLimitOverride  *int64         `db:"daily_limit_override" json:"daily_limit_override,omitempty"`
	AllowedOps          pq.StringArray `db:"allowed_ops" json:"allowed_ops"`
	AllowedModels       pq.StringArray `db:"allowed_models" json:"allowed_models"`
	AllowedFeatures     pq.StringArray `db:"allowed_features" json:"allowed_features"`

	Status         string     `db:"status" json:"status"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	LastActivityAt *time.Time `db:"last_activity_at" json:"last_activity_at,omitempty"`
}

// Plan is the subscription profile a tenant's quotas derive from.
// Read-only to the core.
type Plan struct {
	ID          string         `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	HourlyQuota int64          `db:"hourly_quota" json:"hourly_quota"`
	DailyQuota  int64          `db:"daily_quota" json:"daily_quota"`
	MaxUsers    int            `db:"max_users" json:"max_users"`
	Features    pq.StringArray `db:"features" json:"features"`
}

// TenantUser belongs to exactly one tenant.
type TenantUser struct {
	ID             string    `db:"id" json:"id"`
	TenantID       string    `db:"tenant_id" json:"tenant_id"`
	Email          string    `db:"email" json:"email"`
	PasswordHash   string    `db:"password_hash" json:"-"`
	Role           string    `db:"role" json:"role"` // admin | user
	UpstreamUserID *int64    `db:"upstream_user_id" json:"upstream_user_id,omitempty"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// UsageRecord is one append-only row per request.
type UsageRecord struct {
	ID            int64     `db:"id"`
	TenantID      string    `db:"tenant_id"`
	UserID        string    `db:"user_id"`
	Timestamp     time.Time `db:"ts"`
	Endpoint      string    `db:"endpoint"`
	Method        string    `db:"method"`
	Model         string    `db:"model"`
	RequestBytes  int64     `db:"request_bytes"`
	ResponseBytes int64     `db:"response_bytes"`
	LatencyMs     int64     `db:"latency_ms"`
	StatusCode    int       `db:"status_code"`
	ClientIP      string    `db:"client_ip"`
	UserAgent     string    `db:"user_agent"`
}

// ErrorRecord is one append-only row per failed request.
type ErrorRecord struct {
	ID          int64     `db:"id"`
	TenantID    string    `db:"tenant_id"`
	UserID      string    `db:"user_id"`
	Timestamp   time.Time `db:"ts"`
	Kind        string    `db:"kind"`
	Message     string    `db:"message"`
	StackDigest string    `db:"stack_digest"`
	Endpoint    string    `db:"endpoint"`
	RequestID   string    `db:"request_id"`
	Severity    string    `db:"severity"` // low | medium | high | critical
	Resolved    bool      `db:"resolved"`
	Notes       string    `db:"notes"`
}

// UsageStat is one aggregated row per (tenant, date, hour|nil).
type UsageStat struct {
	TenantID     string    `db:"tenant_id"`
	StatDate     time.Time `db:"stat_date"`
	StatHour     *int      `db:"stat_hour"` // nil = daily rollup
	Count        int64     `db:"request_count"`
	Successes    int64     `db:"successes"`
	Failures     int64     `db:"failures"`
	BytesIn      int64     `db:"bytes_in"`
	BytesOut     int64     `db:"bytes_out"`
	AvgLatencyMs float64   `db:"avg_latency_ms"`
	UniqueUsers  int64     `db:"unique_users"`
	TopModel     string    `db:"top_model"`
	PeakHour     *int      `db:"peak_hour"`
}

// Event is one upstream change notification. The upstream-assigned id is
// the ordering authority within a tenant.
type Event struct {
	TenantID   string          `db:"tenant_id" json:"tenant_id"`
	EventID    int64           `db:"event_id" json:"event_id"`
	Model      string          `db:"model" json:"model"`
	RecordID   int64           `db:"record_id" json:"record_id"`
	Kind       string          `db:"kind" json:"kind"`
	OccurredAt time.Time       `db:"occurred_at" json:"occurred_at"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	Priority   *string         `db:"priority" json:"priority,omitempty"`
}

// SyncCursor marks the last delivered event id per (tenant, upstream user,
// device, app type).
type SyncCursor struct {
	TenantID       string    `db:"tenant_id" json:"tenant_id"`
	UpstreamUserID int64     `db:"upstream_user_id" json:"upstream_user_id"`
	DeviceID       string    `db:"device_id" json:"device_id"`
	AppType        string    `db:"app_type" json:"app_type"`
	LastSeenID     int64     `db:"last_seen_id" json:"last_seen_id"`
	LastSyncAt     time.Time `db:"last_sync_at" json:"last_sync_at"`
	SyncCount      int64     `db:"sync_count" json:"sync_count"`
	EventCount     int64     `db:"event_count" json:"event_count"`
	Active         bool      `db:"active" json:"active"`
}
