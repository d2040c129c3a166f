package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/gateway"
)

// ListTenantLocations returns the stored location list for a tenant
func (h *Handlers) ListTenantLocations(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	if _, err := h.store.Get(r.Context(), tenantID); err != nil {
		h.sendError(w, err)
		return
	}

	locations, err := h.store.ListLocations(r.Context(), tenantID)
	if err != nil {
		h.sendError(w, err)
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"locations": locations,
	})
}

// platformLocations maps the platform's location listing response
type platformLocations struct {
	Locations []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Type     string `json:"type"`
		Status   string `json:"status"`
		MainUnit bool   `json:"main_location,omitempty"`
	} `json:"locations"`
}

// SyncTenantLocations fetches the tenant's locations from the platform API
// through the authenticated gateway and replaces the stored set wholesale
func (h *Handlers) SyncTenantLocations(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]

	resp, err := h.gateway.Do(r.Context(), tenantID, &gateway.Request{
		Method: http.MethodGet,
		Path:   "/v2/locations",
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		h.sendError(w, errors.InternalError("platform location listing failed", nil).
			WithContext("status", resp.StatusCode))
		return
	}

	var listing platformLocations
	if err := json.Unmarshal(resp.Body, &listing); err != nil {
		h.sendError(w, errors.InternalError("failed to parse platform locations", err))
		return
	}

	locations := make([]credentials.Location, 0, len(listing.Locations))
	for _, loc := range listing.Locations {
		locations = append(locations, credentials.Location{
			TenantID:   tenantID,
			LocationID: loc.ID,
			Name:       loc.Name,
			IsDefault:  loc.MainUnit,
		})
	}

	if err := h.store.ReplaceLocations(r.Context(), tenantID, locations); err != nil {
		h.sendError(w, err)
		return
	}

	h.logger.Info("Locations synced",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "count", Value: len(locations)})

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"locations": locations,
	})
}
