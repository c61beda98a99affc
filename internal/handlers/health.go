package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler responds with service health information.
type HealthHandler struct {
	Database HealthChecker
}

// Handle implements GET /healthz.
func (h HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload := map[string]string{"status": "ok"}

	if h.Database != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.Database.Ping(pingCtx); err != nil {
			payload["status"] = "degraded"
			payload["database"] = err.Error()
			respondJSON(ctx, w, http.StatusServiceUnavailable, payload)
			return
		}
		payload["database"] = "ok"
	}

	respondJSON(ctx, w, http.StatusOK, payload)
}
