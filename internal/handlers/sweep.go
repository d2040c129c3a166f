package handlers

import (
	"net/http"
)

// RunSweep triggers an immediate sweep and returns its summary. Returns 429
// when a sweep is already running.
func (h *Handlers) RunSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Run(r.Context())
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, result)
}

// GetLastSweep returns the most recent sweep summary
func (h *Handlers) GetLastSweep(w http.ResponseWriter, r *http.Request) {
	result := h.sweeper.LastResult()
	if result == nil {
		h.sendJSON(w, http.StatusOK, map[string]interface{}{"last_run": nil})
		return
	}
	h.sendJSON(w, http.StatusOK, result)
}

// HealthCheck reports liveness and store reachability
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		h.sendJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"store":  err.Error(),
		})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
