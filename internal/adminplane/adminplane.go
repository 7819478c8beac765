// Package adminplane carries the management-plane mutations: tenant
// provisioning, connection and status changes, plan assignment, user
// management. Every mutation that changes policy publishes a registry
// invalidation so other nodes converge within one cache TTL at worst.
package adminplane

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/registry"
	"github.com/bridgecore/gateway/internal/store"
	"github.com/bridgecore/gateway/internal/vault"
)

// AdminStore is the store slice the admin plane mutates.
type AdminStore interface {
	GetTenantByID(ctx context.Context, id string) (*store.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*store.Tenant, error)
	GetPlan(ctx context.Context, id string) (*store.Plan, error)
	InsertTenant(ctx context.Context, t *store.Tenant) error
	UpdateTenantConnection(ctx context.Context, t *store.Tenant) error
	UpdateTenantStatus(ctx context.Context, tenantID, status string) error
	UpdateTenantPlan(ctx context.Context, tenantID, planID string) error
	InsertTenantUser(ctx context.Context, u *store.TenantUser) error
	CountTenantUsers(ctx context.Context, tenantID string) (int, error)
}

// Publisher fans out registry invalidations.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Service is the admin-plane core.
type Service struct {
	store  AdminStore
	vault  *vault.Keyset
	pub    Publisher
	logger *log.Logger
}

// New builds the admin plane.
func New(s AdminStore, ks *vault.Keyset, pub Publisher) *Service {
	return &Service{
		store:  s,
		vault:  ks,
		pub:    pub,
		logger: log.New(log.Writer(), "[ADMIN] ", log.LstdFlags),
	}
}

// CreateTenantRequest is the provisioning input. The upstream password
// arrives in the clear over the admin channel and is sealed before it
// touches the store.
type CreateTenantRequest struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email"`

	UpstreamURL      string `json:"upstream_url"`
	UpstreamDB       string `json:"upstream_db"`
	UpstreamUsername string `json:"upstream_username"`
	UpstreamPassword string `json:"upstream_password"`
	UpstreamVersion  string `json:"upstream_version"`

	PlanID string `json:"plan_id"`
}

// CreateTenant provisions a tenant in trial status.
func (s *Service) CreateTenant(ctx context.Context, req *CreateTenantRequest) (*store.Tenant, error) {
	if req.Slug == "" || req.Name == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "slug and name are required")
	}
	if req.UpstreamURL == "" || req.UpstreamDB == "" || req.UpstreamUsername == "" || req.UpstreamPassword == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, "upstream connection block is incomplete")
	}
	if _, err := s.store.GetTenantBySlug(ctx, req.Slug); err == nil {
		return nil, apperr.Newf(apperr.KindInvalidPayload, "slug %q is taken", req.Slug)
	}

	sealed, err := s.vault.Seal(req.UpstreamPassword)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &store.Tenant{
		ID:                  uuid.NewString(),
		Slug:                strings.ToLower(req.Slug),
		Name:                req.Name,
		ContactEmail:        req.ContactEmail,
		UpstreamURL:         req.UpstreamURL,
		UpstreamDB:          req.UpstreamDB,
		UpstreamUsername:    req.UpstreamUsername,
		UpstreamPasswordEnc: sealed,
		UpstreamVersion:     req.UpstreamVersion,
		PlanID:              req.PlanID,
		Status:              store.StatusTrial,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.InsertTenant(ctx, t); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "insert tenant", err)
	}
	s.logger.Printf("provisioned tenant %s (%s)", t.Slug, t.ID)
	return t, nil
}

// UpdateConnectionRequest rewrites a tenant's upstream block. An empty
// password keeps the sealed one in place.
type UpdateConnectionRequest struct {
	UpstreamURL      string `json:"upstream_url"`
	UpstreamDB       string `json:"upstream_db"`
	UpstreamUsername string `json:"upstream_username"`
	UpstreamPassword string `json:"upstream_password,omitempty"`
	UpstreamVersion  string `json:"upstream_version"`
}

// UpdateConnection replaces the connection block and invalidates.
func (s *Service) UpdateConnection(ctx context.Context, tenantID string, req *UpdateConnectionRequest) (*store.Tenant, error) {
	t, err := s.getTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if req.UpstreamURL != "" {
		t.UpstreamURL = req.UpstreamURL
	}
	if req.UpstreamDB != "" {
		t.UpstreamDB = req.UpstreamDB
	}
	if req.UpstreamUsername != "" {
		t.UpstreamUsername = req.UpstreamUsername
	}
	if req.UpstreamVersion != "" {
		t.UpstreamVersion = req.UpstreamVersion
	}
	if req.UpstreamPassword != "" {
		sealed, err := s.vault.Seal(req.UpstreamPassword)
		if err != nil {
			return nil, err
		}
		t.UpstreamPasswordEnc = sealed
	}

	if err := s.store.UpdateTenantConnection(ctx, t); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "update connection", err)
	}
	s.invalidate(ctx, tenantID)
	return t, nil
}

var validStatuses = map[string]bool{
	store.StatusTrial:     true,
	store.StatusActive:    true,
	store.StatusSuspended: true,
	store.StatusDeleted:   true,
}

// SetStatus flips lifecycle status. The invalidation makes a suspension
// bite on all nodes within a hot-cache TTL, not a token TTL.
func (s *Service) SetStatus(ctx context.Context, tenantID, status string) error {
	if !validStatuses[status] {
		return apperr.Newf(apperr.KindInvalidPayload, "unknown status %q", status)
	}
	if _, err := s.getTenant(ctx, tenantID); err != nil {
		return err
	}
	if err := s.store.UpdateTenantStatus(ctx, tenantID, status); err != nil {
		return apperr.Wrap(apperr.KindInternal, "update status", err)
	}
	s.invalidate(ctx, tenantID)
	s.logger.Printf("tenant %s status -> %s", tenantID, status)
	return nil
}

// SetPlan reassigns the plan and invalidates so quota changes apply.
func (s *Service) SetPlan(ctx context.Context, tenantID, planID string) error {
	if _, err := s.getTenant(ctx, tenantID); err != nil {
		return err
	}
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return apperr.Newf(apperr.KindInvalidPayload, "unknown plan %q", planID)
	}
	if err := s.store.UpdateTenantPlan(ctx, tenantID, planID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "update plan", err)
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// CreateUserRequest provisions one tenant user.
type CreateUserRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	UpstreamUserID *int64 `json:"upstream_user_id,omitempty"`
}

// CreateUser adds a user, enforcing the plan's max-users ceiling.
func (s *Service) CreateUser(ctx context.Context, tenantID string, req *CreateUserRequest) (*store.TenantUser, error) {
	t, err := s.getTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if req.Email == "" || len(req.Password) < 8 {
		return nil, apperr.New(apperr.KindInvalidPayload, "email and a password of at least 8 characters are required")
	}
	role := req.Role
	if role == "" {
		role = "user"
	}
	if role != "user" && role != "admin" {
		return nil, apperr.Newf(apperr.KindInvalidPayload, "unknown role %q", role)
	}

	if t.PlanID != "" {
		plan, err := s.store.GetPlan(ctx, t.PlanID)
		if err == nil && plan.MaxUsers > 0 {
			n, err := s.store.CountTenantUsers(ctx, tenantID)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, "count users", err)
			}
			if n >= plan.MaxUsers {
				return nil, apperr.Newf(apperr.KindInvalidPayload, "plan allows at most %d users", plan.MaxUsers)
			}
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "hash password", err)
	}

	u := &store.TenantUser{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Email:          strings.ToLower(req.Email),
		PasswordHash:   string(hash),
		Role:           role,
		UpstreamUserID: req.UpstreamUserID,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertTenantUser(ctx, u); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "insert user", err)
	}
	return u, nil
}

func (s *Service) getTenant(ctx context.Context, tenantID string) (*store.Tenant, error) {
	t, err := s.store.GetTenantByID(ctx, tenantID)
	if err != nil {
		return nil, apperr.Newf(apperr.KindTenantUnknown, "tenant %s not found", tenantID)
	}
	return t, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if s.pub == nil {
		return
	}
	msg, _ := json.Marshal(registry.InvalidationEvent{TenantID: tenantID})
	if err := s.pub.Publish(ctx, registry.InvalidationChannel, msg); err != nil {
		// The 30s hot-cache TTL still converges; log and move on.
		s.logger.Printf("publish invalidation for %s: %v", tenantID, err)
	}
}
