// Package server exposes the optional admin HTTP listener: health check,
// Prometheus metrics, and the WebSocket gateway.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthHandler responds with a plain text message indicating the server is
// running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatwire server is running!")
}

// NewAdminServer creates the HTTP server carrying /healthz, /metrics, and the
// /ws gateway. It applies the same production timeouts on every route.
func NewAdminServer(addr string, s *Server) *http.Server {
	policy := newOriginPolicy(s.cfg.AllowedOrigins)

	r := chi.NewRouter()
	r.Get("/healthz", HealthHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/ws", gatewayHandler(s, policy))

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
