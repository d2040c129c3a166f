package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"tokenkeeper/internal/handlers"
	"tokenkeeper/internal/middleware"
)

// SetupRoutes configures all HTTP routes for the operations API
func SetupRoutes(router *mux.Router, h *handlers.Handlers, authMiddleware func(http.Handler) http.Handler) {
	router.Use(middleware.LoggingMiddleware)

	// Health check (no auth required)
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// All management endpoints require a valid bearer token
	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)

	// Tenant credential lifecycle
	api.HandleFunc("/tenants", h.EnrollTenant).Methods("POST")
	api.HandleFunc("/tenants/{tenantID}", h.GetTenant).Methods("GET")
	api.HandleFunc("/tenants/{tenantID}/refresh", h.RefreshTenant).Methods("POST")
	api.HandleFunc("/tenants/{tenantID}/revoke", h.RevokeTenant).Methods("POST")

	// Merchant locations
	api.HandleFunc("/tenants/{tenantID}/locations", h.ListTenantLocations).Methods("GET")
	api.HandleFunc("/tenants/{tenantID}/locations/sync", h.SyncTenantLocations).Methods("POST")

	// Sweep control
	api.HandleFunc("/sweep", h.RunSweep).Methods("POST")
	api.HandleFunc("/sweep", h.GetLastSweep).Methods("GET")
}
