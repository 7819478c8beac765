package store

import (
	"context"
	"time"
)

const tenantColumns = `id, slug, name, contact_email,
	upstream_url, upstream_db, upstream_username, upstream_password_enc, upstream_version,
	plan_id, hourly_limit_override, daily_limit_override,
	allowed_ops, allowed_models, allowed_features,
	status, created_at, updated_at, last_activity_at`

// GetTenantByID fetches a tenant row.
func (s *Store) GetTenantByID(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTenantBySlug fetches a tenant row by its human slug.
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetUserForLogin resolves a tenant user by email, optionally scoped to a
// tenant slug, together with its tenant. With no slug the email must be
// unique across tenants; the first match by tenant creation wins.
func (s *Store) GetUserForLogin(ctx context.Context, email string, slug *string) (*TenantUser, *Tenant, error) {
	row := struct {
		TenantUser
		T Tenant `db:"t"`
	}{}

	query := `SELECT u.id, u.tenant_id, u.email, u.password_hash, u.role,
			u.upstream_user_id, u.is_active, u.created_at,
			t.id "t.id", t.slug "t.slug", t.name "t.name", t.contact_email "t.contact_email",
			t.upstream_url "t.upstream_url", t.upstream_db "t.upstream_db",
			t.upstream_username "t.upstream_username", t.upstream_password_enc "t.upstream_password_enc",
			t.upstream_version "t.upstream_version",
			t.plan_id "t.plan_id", t.hourly_limit_override "t.hourly_limit_override",
			t.daily_limit_override "t.daily_limit_override",
			t.allowed_ops "t.allowed_ops", t.allowed_models "t.allowed_models",
			t.allowed_features "t.allowed_features",
			t.status "t.status", t.created_at "t.created_at", t.updated_at "t.updated_at",
			t.last_activity_at "t.last_activity_at"
		FROM tenant_users u
		JOIN tenants t ON t.id = u.tenant_id
		WHERE u.email = $1`
	args := []interface{}{email}
	if slug != nil {
		query += ` AND t.slug = $2`
		args = append(args, *slug)
	}
	query += ` ORDER BY t.created_at LIMIT 1`

	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, nil, notFound(err)
	}
	user := row.TenantUser
	tenant := row.T
	return &user, &tenant, nil
}

// GetUserByID fetches a tenant user row.
func (s *Store) GetUserByID(ctx context.Context, id string) (*TenantUser, error) {
	var u TenantUser
	err := s.db.GetContext(ctx, &u,
		`SELECT id, tenant_id, email, password_hash, role, upstream_user_id, is_active, created_at
		 FROM tenant_users WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetPlan fetches a plan row.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	err := s.db.GetContext(ctx, &p,
		`SELECT id, name, hourly_quota, daily_quota, max_users, features FROM plans WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// TouchLastActivity updates the tenant's last-activity mark. Called off
// the request path; failures are logged, never surfaced.
func (s *Store) TouchLastActivity(ctx context.Context, tenantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET last_activity_at = $2 WHERE id = $1`, tenantID, at)
	return err
}

// InsertTenant persists a new tenant (admin plane).
func (s *Store) InsertTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO tenants (id, slug, name, contact_email,
			upstream_url, upstream_db, upstream_username, upstream_password_enc, upstream_version,
			plan_id, hourly_limit_override, daily_limit_override,
			allowed_ops, allowed_models, allowed_features,
			status, created_at, updated_at)
		 VALUES (:id, :slug, :name, :contact_email,
			:upstream_url, :upstream_db, :upstream_username, :upstream_password_enc, :upstream_version,
			:plan_id, :hourly_limit_override, :daily_limit_override,
			:allowed_ops, :allowed_models, :allowed_features,
			:status, :created_at, :updated_at)`, t)
	return err
}

// UpdateTenantConnection rewrites a tenant's upstream connection block
// (admin plane; the password arrives already sealed).
func (s *Store) UpdateTenantConnection(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET upstream_url = $2, upstream_db = $3, upstream_username = $4,
			upstream_password_enc = $5, upstream_version = $6, updated_at = $7
		 WHERE id = $1`,
		t.ID, t.UpstreamURL, t.UpstreamDB, t.UpstreamUsername,
		t.UpstreamPasswordEnc, t.UpstreamVersion, time.Now().UTC())
	return err
}

// UpdateTenantStatus flips a tenant's lifecycle status (admin plane).
func (s *Store) UpdateTenantStatus(ctx context.Context, tenantID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = $2, updated_at = $3 WHERE id = $1`,
		tenantID, status, time.Now().UTC())
	return err
}

// UpdateTenantPlan reassigns a tenant's plan (admin plane).
func (s *Store) UpdateTenantPlan(ctx context.Context, tenantID, planID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET plan_id = $2, updated_at = $3 WHERE id = $1`,
		tenantID, planID, time.Now().UTC())
	return err
}

// InsertTenantUser persists a new tenant user (admin plane).
func (s *Store) InsertTenantUser(ctx context.Context, u *TenantUser) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO tenant_users (id, tenant_id, email, password_hash, role,
			upstream_user_id, is_active, created_at)
		 VALUES (:id, :tenant_id, :email, :password_hash, :role,
			:upstream_user_id, :is_active, :created_at)`, u)
	return err
}

// CountTenantUsers returns the user count for plan max-users enforcement.
func (s *Store) CountTenantUsers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tenant_users WHERE tenant_id = $1`, tenantID)
	return n, err
}

// ActiveTenantIDs lists tenants the background jobs should visit.
func (s *Store) ActiveTenantIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM tenants WHERE status IN ($1, $2)`, StatusActive, StatusTrial)
	return ids, err
}
