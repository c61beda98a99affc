package handlers

import "net/http"

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Sessions SessionService
	Credits  CreditService
	Events   EventSource
	Database HealthChecker
	Metrics  http.Handler
}

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Database: deps.Database}
	sessions := SessionHandler{Sessions: deps.Sessions}
	events := EventHandler{Sessions: deps.Sessions, Events: deps.Events}
	credits := CreditHandler{Credits: deps.Credits}

	mux.HandleFunc("GET /healthz", health.Handle)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	mux.HandleFunc("POST /api/v1/tryon/sessions", sessions.Create)
	mux.HandleFunc("GET /api/v1/tryon/sessions", sessions.List)
	mux.HandleFunc("GET /api/v1/tryon/sessions/{id}", sessions.Get)
	mux.HandleFunc("POST /api/v1/tryon/sessions/{id}/confirm", sessions.Confirm)
	mux.HandleFunc("POST /api/v1/tryon/sessions/{id}/cancel", sessions.Cancel)
	mux.HandleFunc("GET /api/v1/tryon/sessions/{id}/events", events.Stream)

	mux.HandleFunc("POST /api/v1/credits/purchases", credits.Purchase)
	mux.HandleFunc("GET /api/v1/credits/{accountId}", credits.Account)
}
