// Package api exposes the gateway over REST/JSON: the auth plane, the
// RPC surface, webhooks, sync, the admin plane and the health/metrics
// probes.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgecore/gateway/internal/adminplane"
	"github.com/bridgecore/gateway/internal/admission"
	"github.com/bridgecore/gateway/internal/auth"
	"github.com/bridgecore/gateway/internal/events"
	"github.com/bridgecore/gateway/internal/gateway"
	"github.com/bridgecore/gateway/internal/kv"
	"github.com/bridgecore/gateway/internal/registry"
	"github.com/bridgecore/gateway/internal/store"
	"github.com/bridgecore/gateway/internal/syncengine"
)

// Server wires the HTTP surface to the core components.
type Server struct {
	tokens    *auth.TokenService
	registry  *registry.Registry
	admission *admission.Pipeline
	gateway   *gateway.Gateway
	ingestor  *events.Ingestor
	sync      *syncengine.Engine
	admin     *adminplane.Service

	db *store.Store
	kv *kv.Client

	httpSrv *http.Server
}

// NewServer builds the server. The admission pipeline must have been
// constructed with WriteError from this package as its error writer.
func NewServer(
	tokens *auth.TokenService,
	reg *registry.Registry,
	adm *admission.Pipeline,
	gw *gateway.Gateway,
	ing *events.Ingestor,
	sync *syncengine.Engine,
	adminSvc *adminplane.Service,
	db *store.Store,
	kvc *kv.Client,
) *Server {
	return &Server{
		tokens:    tokens,
		registry:  reg,
		admission: adm,
		gateway:   gw,
		ingestor:  ing,
		sync:      sync,
		admin:     adminSvc,
		db:        db,
		kv:        kvc,
	}
}

// Router assembles the route tree with its middleware stack.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(corsMiddleware)
	r.Use(accessLogMiddleware)

	// Public probes.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/db", s.handleHealthDB).Methods("GET")
	r.HandleFunc("/health/cache", s.handleHealthCache).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Auth plane. Login and refresh carry no bearer token; logout and me
	// are access-token routes and run behind the full gate, rate limit
	// included.
	authR := r.PathPrefix("/api/v1/auth/tenant").Subrouter()
	authR.HandleFunc("/login", s.handleLogin).Methods("POST")
	authR.HandleFunc("/refresh", s.handleRefresh).Methods("POST")

	authGated := authR.NewRoute().Subrouter()
	authGated.Use(s.admission.Middleware(true))
	authGated.HandleFunc("/logout", s.handleLogout).Methods("POST")
	authGated.HandleFunc("/me", s.handleMe).Methods("POST")

	// RPC surface and webhooks, fully gated.
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.admission.Middleware(true))
	v1.HandleFunc("/odoo/{op}", s.handleRPC).Methods("POST")
	v1.HandleFunc("/webhooks/push", s.handleWebhookPush).Methods("POST")
	v1.HandleFunc("/webhooks/check-updates", s.handleCheckUpdates).Methods("GET")

	// Sync plane.
	v2 := r.PathPrefix("/api/v2/sync").Subrouter()
	v2.Use(s.admission.Middleware(true))
	v2.HandleFunc("/pull", s.handleSyncPull).Methods("POST")
	v2.HandleFunc("/state", s.handleSyncState).Methods("GET")
	v2.HandleFunc("/reset", s.handleSyncReset).Methods("POST")

	// Admin plane, separate key space, never rate limited.
	adminR := r.PathPrefix("/api/v1/admin").Subrouter()
	adminR.Use(s.admission.AdminMiddleware)
	adminR.HandleFunc("/tenants", s.handleAdminCreateTenant).Methods("POST")
	adminR.HandleFunc("/tenants/{id}/connection", s.handleAdminUpdateConnection).Methods("PUT")
	adminR.HandleFunc("/tenants/{id}/status", s.handleAdminSetStatus).Methods("PUT")
	adminR.HandleFunc("/tenants/{id}/plan", s.handleAdminSetPlan).Methods("PUT")
	adminR.HandleFunc("/tenants/{id}/users", s.handleAdminCreateUser).Methods("POST")

	return r
}

// Start serves until the context is cancelled, then drains for up to 10s.
func (s *Server) Start(ctx context.Context, port string) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 BridgeCore gateway listening on :%s", port)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Printf("HTTP server drained")
	return nil
}
