// Package handlers implements the operations API: enrolling tenants,
// inspecting credential state, forcing refreshes, revoking, managing
// merchant locations and driving sweeps. Token values never appear in any
// response body.
package handlers

import (
	"encoding/json"
	"net/http"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/config"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/gateway"
	"tokenkeeper/internal/sweep"
	"tokenkeeper/internal/tokens"
)

// Handlers bundles the dependencies of all HTTP handlers
type Handlers struct {
	store   credentials.Store
	tokens  *tokens.Manager
	gateway *gateway.Gateway
	sweeper *sweep.Sweeper
	config  *config.Config
	logger  logging.Logger
}

// New creates the handler set
func New(store credentials.Store, manager *tokens.Manager, gw *gateway.Gateway, sweeper *sweep.Sweeper, cfg *config.Config) *Handlers {
	return &Handlers{
		store:   store,
		tokens:  manager,
		gateway: gw,
		sweeper: sweeper,
		config:  cfg,
		logger:  logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "handlers"}),
	}
}

func (h *Handlers) sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Warn("Failed to encode response", logging.Field{Key: "error", Value: err.Error()})
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// sendError maps the domain error taxonomy onto HTTP status codes
func (h *Handlers) sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrTypeNotFound, errors.ErrTypeNotAuthorized:
		status = http.StatusNotFound
	case errors.ErrTypeCredentialRevoked, errors.ErrTypeRefreshFailed:
		status = http.StatusConflict
	case errors.ErrTypeRefreshUnavailable:
		status = http.StatusServiceUnavailable
	case errors.ErrTypeRateLimit:
		status = http.StatusTooManyRequests
	case errors.ErrTypeCallUnauthorized, errors.ErrTypeConnection:
		status = http.StatusBadGateway
	case errors.ErrTypeTimeout:
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		h.logger.Error("Request failed", err)
	}

	body := errorBody{Error: err.Error(), Type: string(errors.GetType(err))}
	h.sendJSON(w, status, body)
}
