package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/store"
)

func testService(t *testing.T) *TokenService {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kvc.Close() })

	return New(Config{
		TenantKey: []byte("tenant-signing-key"),
		AdminKey:  []byte("admin-signing-key"),
	}, kvc)
}

func testUser() (*store.TenantUser, *store.Tenant) {
	return &store.TenantUser{ID: "user-1", Role: "admin"},
		&store.Tenant{ID: "tenant-1"}
}

func TestIssueAndVerifyPair(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	user, tenant := testUser()

	pair, err := s.IssuePair(user, tenant)
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(1800), pair.ExpiresIn)

	claims, err := s.VerifyTenantToken(ctx, pair.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "admin", claims.Role)

	claims, err = s.VerifyTenantToken(ctx, pair.RefreshToken, KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, KindRefresh, claims.Kind)
}

func TestKindConfusionRejected(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	user, tenant := testUser()

	pair, err := s.IssuePair(user, tenant)
	require.NoError(t, err)

	// A refresh token cannot drive access endpoints and vice versa.
	_, err = s.VerifyTenantToken(ctx, pair.RefreshToken, KindAccess)
	require.Error(t, err)
	assert.Equal(t, apperr.KindWrongTokenKind, apperr.From(err).Kind)

	_, err = s.VerifyTenantToken(ctx, pair.AccessToken, KindRefresh)
	require.Error(t, err)
	assert.Equal(t, apperr.KindWrongTokenKind, apperr.From(err).Kind)
}

func TestConcurrentLoginsAreIndependent(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	user, tenant := testUser()

	a, err := s.IssuePair(user, tenant)
	require.NoError(t, err)
	b, err := s.IssuePair(user, tenant)
	require.NoError(t, err)

	assert.NotEqual(t, a.AccessToken, b.AccessToken)

	// Both remain valid; issuing B never invalidated A.
	_, err = s.VerifyTenantToken(ctx, a.AccessToken, KindAccess)
	assert.NoError(t, err)
	_, err = s.VerifyTenantToken(ctx, b.AccessToken, KindAccess)
	assert.NoError(t, err)
}

func TestExpiredToken(t *testing.T) {
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { kvc.Close() })

	s := New(Config{
		TenantKey: []byte("k"),
		AdminKey:  []byte("a"),
		AccessTTL: -time.Minute,
	}, kvc)
	user, tenant := testUser()

	pair, err := s.IssuePair(user, tenant)
	require.NoError(t, err)

	_, err = s.VerifyTenantToken(context.Background(), pair.AccessToken, KindAccess)
	require.Error(t, err)
	assert.Equal(t, apperr.KindExpiredToken, apperr.From(err).Kind)
}

func TestTamperedTokenRejected(t *testing.T) {
	s := testService(t)
	user, tenant := testUser()

	pair, err := s.IssuePair(user, tenant)
	require.NoError(t, err)

	_, err = s.VerifyTenantToken(context.Background(), pair.AccessToken+"x", KindAccess)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidToken, apperr.From(err).Kind)
}

func TestAdminAndTenantSpacesAreSeparate(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	user, tenant := testUser()

	adminToken, err := s.IssueAdmin("ops-1", "superadmin")
	require.NoError(t, err)

	claims, err := s.VerifyAdminToken(ctx, adminToken)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)

	// Tenant-key verification must not accept an admin-signed token.
	_, err = s.VerifyTenantToken(ctx, adminToken, KindAccess)
	assert.Error(t, err)

	// Nor the other direction.
	pair, err := s.IssuePair(user, tenant)
	require.NoError(t, err)
	_, err = s.VerifyAdminToken(ctx, pair.AccessToken)
	assert.Error(t, err)
}

func TestRefreshRotatesAccess(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	user, tenant := testUser()

	pair, err := s.IssuePair(user, tenant)
	require.NoError(t, err)

	access, claims, err := s.RefreshAccess(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)

	got, err := s.VerifyTenantToken(ctx, access, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)

	// An access token cannot be used to refresh.
	_, _, err = s.RefreshAccess(ctx, pair.AccessToken)
	assert.Error(t, err)
}

func TestRevocation(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	user, tenant := testUser()

	pair, err := s.IssuePair(user, tenant)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, pair.AccessToken))

	_, err = s.VerifyTenantToken(ctx, pair.AccessToken, KindAccess)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidToken, apperr.From(err).Kind)

	// The refresh token from the same pair is untouched.
	_, err = s.VerifyTenantToken(ctx, pair.RefreshToken, KindRefresh)
	assert.NoError(t, err)
}
