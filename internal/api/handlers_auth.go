package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bridgecore/gateway/internal/admission"
	"github.com/bridgecore/gateway/internal/apperr"
	"github.com/bridgecore/gateway/internal/gateway"
	"github.com/bridgecore/gateway/internal/payload"
	"github.com/bridgecore/gateway/internal/store"
)

// requestMeta captures the envelope data the ledger records.
func requestMeta(r *http.Request, reqBytes int64) gateway.Meta {
	return gateway.Meta{
		RequestID: RequestID(r.Context()),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		ReqBytes:  reqBytes,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Optional when the email is unique across tenants.
	TenantSlug string `json:"tenant_slug,omitempty"`
}

type userSnapshot struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	UpstreamUserID *int64 `json:"upstream_user_id,omitempty"`
}

type tenantSnapshot struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func snapshotUser(u *store.TenantUser) userSnapshot {
	return userSnapshot{ID: u.ID, Email: u.Email, Role: u.Role, UpstreamUserID: u.UpstreamUserID}
}

func snapshotTenant(t *store.Tenant) tenantSnapshot {
	return tenantSnapshot{ID: t.ID, Slug: t.Slug, Name: t.Name, Status: t.Status}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "malformed login body"))
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "email and password are required"))
		return
	}

	var slug *string
	if req.TenantSlug != "" {
		slug = &req.TenantSlug
	}
	user, tenant, err := s.registry.ResolveUser(r.Context(), req.Email, slug, req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	pair, err := s.tokens.IssuePair(user, tenant)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    pair.TokenType,
		"expires_in":    pair.ExpiresIn,
		"user":          snapshotUser(user),
		"tenant":        snapshotTenant(tenant),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "refresh_token is required"))
		return
	}

	access, claims, err := s.tokens.RefreshAccess(r.Context(), req.RefreshToken)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": access,
		"token_type":   "bearer",
		"tenant_id":    claims.TenantID,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	// Admission already verified the token; revocation of the presented
	// token is best-effort by contract.
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 {
		_ = s.tokens.Revoke(r.Context(), parts[1])
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	rc, ok := admission.FromContext(r.Context())
	if !ok {
		writeErr(w, r, apperr.New(apperr.KindInternal, "admission context missing"))
		return
	}

	resp := map[string]interface{}{
		"tenant":  snapshotTenant(rc.Tenant),
		"user_id": rc.Claims.Subject,
		"role":    rc.Claims.Role,
	}

	// Optional upstream probe: echo the fields of a model so a client can
	// verify connectivity and schema in one round trip.
	var req struct {
		ProbeModel string `json:"probe_model,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.ProbeModel != "" {
		p := payload.Map(map[string]payload.Value{})
		result, err := s.gateway.Dispatch(r.Context(), rc, "fields_get", req.ProbeModel, p, requestMeta(r, r.ContentLength))
		if err == nil {
			resp["probe"] = json.RawMessage(result.Result)
		} else {
			resp["probe_error"] = apperr.From(err).Kind
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
