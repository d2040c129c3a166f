package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/tokens"
)

// EnrollRequest carries the initial token grant obtained out of band during
// the tenant's authorization flow
type EnrollRequest struct {
	TenantID     string   `json:"tenant_id"`
	MerchantID   string   `json:"merchant_id"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// CredentialResponse is the redacted credential view returned by the API.
// Token material never leaves the service.
type CredentialResponse struct {
	TenantID   string     `json:"tenant_id"`
	MerchantID string     `json:"merchant_id,omitempty"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Scopes     []string   `json:"scopes,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toCredentialResponse(c *credentials.Credential) CredentialResponse {
	return CredentialResponse{
		TenantID:   c.TenantID,
		MerchantID: c.MerchantID,
		Status:     string(c.Status),
		ExpiresAt:  c.ExpiresAt,
		Scopes:     c.Scopes,
		LastUsedAt: c.LastUsedAt,
		LastError:  c.LastError,
		Version:    c.Version,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

// EnrollTenant stores a newly authorized tenant's credential
func (h *Handlers) EnrollTenant(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, errors.ValidationError("invalid request body"))
		return
	}

	if req.TenantID == "" {
		h.sendError(w, errors.ValidationError("tenant_id is required"))
		return
	}
	if req.AccessToken == "" {
		h.sendError(w, errors.ValidationError("access_token is required"))
		return
	}
	if req.RefreshToken == "" {
		h.sendError(w, errors.ValidationError("refresh_token is required"))
		return
	}

	expiresAt := time.Now().Add(tokens.DefaultTokenTTL)
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			h.sendError(w, errors.ValidationError("expires_at must be RFC3339"))
			return
		}
		expiresAt = parsed
	}

	cred := &credentials.Credential{
		TenantID:     req.TenantID,
		MerchantID:   req.MerchantID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    expiresAt,
		Scopes:       req.Scopes,
		Status:       credentials.StatusActive,
	}

	if err := h.store.Create(r.Context(), cred); err != nil {
		h.sendError(w, err)
		return
	}

	h.logger.Info("Tenant enrolled",
		logging.Field{Key: "tenant_id", Value: cred.TenantID},
		logging.Field{Key: "expires_at", Value: cred.ExpiresAt})

	h.sendJSON(w, http.StatusCreated, toCredentialResponse(cred))
}

// GetTenant returns the redacted credential state for one tenant
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	cred, err := h.store.Get(r.Context(), tenantID)
	if err != nil {
		h.sendError(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, toCredentialResponse(cred))
}

// RefreshTenant forces an immediate token refresh regardless of expiry
func (h *Handlers) RefreshTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	cred, err := h.store.Get(r.Context(), tenantID)
	if err != nil {
		h.sendError(w, err)
		return
	}

	if _, err := h.tokens.ForceRefresh(r.Context(), tenantID, cred.AccessToken); err != nil {
		h.sendError(w, err)
		return
	}

	refreshed, err := h.store.Get(r.Context(), tenantID)
	if err != nil {
		h.sendError(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, toCredentialResponse(refreshed))
}

// RevokeTenant revokes the tenant's credential at the provider and locally
func (h *Handlers) RevokeTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	if err := h.tokens.Revoke(r.Context(), tenantID); err != nil {
		h.sendError(w, err)
		return
	}

	h.logger.Info("Tenant credential revoked", logging.Field{Key: "tenant_id", Value: tenantID})
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
