package api

import (
	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/internal/proxy"
	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. proxyServer and m may be nil.
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()

	// Task endpoints (rate limited)
	tasks := r.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		tasks.Use(RateLimitMiddleware(rateLimiter))
	}
	tasks.HandleFunc("/api/execute-task", h.ExecuteTask).Methods("POST", "OPTIONS")
	tasks.HandleFunc("/execute-task", h.ExecuteTask).Methods("POST", "OPTIONS")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Screenshot endpoint (not rate limited - polled by the chat UI)
	api.HandleFunc("/session/{id}/clean-screenshot", h.CleanScreenshot).Methods("GET", "OPTIONS")

	sessions := api.PathPrefix("/session").Subrouter()
	if rateLimiter != nil {
		sessions.Use(RateLimitMiddleware(rateLimiter))
	}
	sessions.HandleFunc("/{id}", h.GetSession).Methods("GET")
	sessions.HandleFunc("/{id}", h.DeleteSession).Methods("DELETE", "OPTIONS")
	sessions.HandleFunc("/{id}/history", h.GetHistory).Methods("GET")

	// Debug endpoint, only when browsers run remotely
	if proxyServer != nil {
		api.HandleFunc("/session/{id}/ws", h.DebugSession(proxyServer)).Methods("GET")
	}

	r.HandleFunc("/health", h.Health).Methods("GET")
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods("GET")
	}

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(h.logger))

	return r
}
