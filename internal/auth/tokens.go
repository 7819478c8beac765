// Package auth issues and verifies the bearer tokens of the client plane.
// Tenant and admin tokens are signed with separate keys so the two
// identity spaces can never be confused; every token carries a kind
// (access, refresh, admin) and is rejected at endpoints expecting another.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/store"
)

// Token kinds.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
	KindAdmin   = "admin"
)

const revokedKeyPrefix = "bc:revoked:"

// Claims is the tenant-token claim set.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
	Kind     string `json:"kind"`
	jwt.RegisteredClaims
}

// Config holds the signing keys and expiries.
type Config struct {
	TenantKey  []byte
	AdminKey   []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	AdminTTL   time.Duration
}

// TokenService signs and verifies tokens and keeps the best-effort
// revocation set in the shared KV.
type TokenService struct {
	cfg Config
	kv  *kv.Client
}

// New creates the token service. kvc may be nil; revocation then degrades
// to expiry-only.
func New(cfg Config, kvc *kv.Client) *TokenService {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.AdminTTL == 0 {
		cfg.AdminTTL = 24 * time.Hour
	}
	return &TokenService{cfg: cfg, kv: kvc}
}

// TokenPair is what a successful login returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// IssuePair mints an access+refresh pair for a tenant user. Tokens are
// independent: issuing a new pair never invalidates outstanding ones.
func (s *TokenService) IssuePair(user *store.TenantUser, tenant *store.Tenant) (*TokenPair, error) {
	now := time.Now()

	access, err := s.sign(&Claims{
		TenantID: tenant.ID,
		Role:     user.Role,
		Kind:     KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}, s.cfg.TenantKey)
	if err != nil {
		return nil, err
	}

	refresh, err := s.sign(&Claims{
		TenantID: tenant.ID,
		Kind:     KindRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTTL)),
		},
	}, s.cfg.TenantKey)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

// RefreshAccess rotates the access token off a refresh token.
func (s *TokenService) RefreshAccess(ctx context.Context, refreshToken string) (string, *Claims, error) {
	claims, err := s.VerifyTenantToken(ctx, refreshToken, KindRefresh)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	access, signErr := s.sign(&Claims{
		TenantID: claims.TenantID,
		Role:     claims.Role,
		Kind:     KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}, s.cfg.TenantKey)
	if signErr != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "sign access token", signErr)
	}
	return access, claims, nil
}

// IssueAdmin mints an admin-space token (management plane callers).
func (s *TokenService) IssueAdmin(adminID, role string) (string, error) {
	now := time.Now()
	return s.sign(&Claims{
		Role: role,
		Kind: KindAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AdminTTL)),
		},
	}, s.cfg.AdminKey)
}

// VerifyTenantToken verifies signature, expiry, kind and the revocation
// set. A structurally valid token of the wrong kind fails with
// WrongTokenKind so refresh tokens can never drive the RPC surface.
func (s *TokenService) VerifyTenantToken(ctx context.Context, tokenStr, wantKind string) (*Claims, error) {
	return s.verify(ctx, tokenStr, wantKind, s.cfg.TenantKey)
}

// VerifyAdminToken verifies a token against the admin signing key.
func (s *TokenService) VerifyAdminToken(ctx context.Context, tokenStr string) (*Claims, error) {
	return s.verify(ctx, tokenStr, KindAdmin, s.cfg.AdminKey)
}

// Revoke adds the token to the revocation set until its natural expiry.
// Best-effort: a KV write failure only weakens logout, never breaks it
// for verifiable reasons.
func (s *TokenService) Revoke(ctx context.Context, tokenStr string) error {
	claims, err := s.parse(tokenStr, s.cfg.TenantKey)
	if err != nil {
		return err
	}
	if s.kv == nil || claims.ExpiresAt == nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return s.kv.Set(ctx, revokedKeyPrefix+claims.ID, []byte("1"), ttl)
}

func (s *TokenService) sign(claims *Claims, key []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "sign token", err)
	}
	return signed, nil
}

func (s *TokenService) parse(tokenStr string, key []byte) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.KindExpiredToken, "token expired")
		}
		return nil, apperr.Wrap(apperr.KindInvalidToken, "invalid token", err)
	}
	return &claims, nil
}

func (s *TokenService) verify(ctx context.Context, tokenStr, wantKind string, key []byte) (*Claims, error) {
	claims, err := s.parse(tokenStr, key)
	if err != nil {
		return nil, err
	}

	if claims.Kind != wantKind {
		return nil, apperr.Newf(apperr.KindWrongTokenKind, "expected %s token, got %s", wantKind, claims.Kind)
	}

	if s.kv != nil && claims.ID != "" {
		_, revoked, kvErr := s.kv.Get(ctx, revokedKeyPrefix+claims.ID)
		if kvErr == nil && revoked {
			return nil, apperr.New(apperr.KindInvalidToken, "token revoked")
		}
	}

	return claims, nil
}
