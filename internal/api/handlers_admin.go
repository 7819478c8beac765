package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bridgecore/gateway/internal/adminplane"
	"github.com/bridgecore/gateway/internal/apperr"
)

func (s *Server) handleAdminCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req adminplane.CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "malformed tenant body"))
		return
	}
	tenant, err := s.admin.CreateTenant(r.Context(), &req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleAdminUpdateConnection(w http.ResponseWriter, r *http.Request) {
	var req adminplane.UpdateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "malformed connection body"))
		return
	}
	tenant, err := s.admin.UpdateConnection(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleAdminSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "malformed status body"))
		return
	}
	if err := s.admin.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handleAdminSetPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "malformed plan body"))
		return
	}
	if err := s.admin.SetPlan(r.Context(), mux.Vars(r)["id"], req.PlanID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plan_id": req.PlanID})
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req adminplane.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, apperr.New(apperr.KindInvalidPayload, "malformed user body"))
		return
	}
	user, err := s.admin.CreateUser(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}
