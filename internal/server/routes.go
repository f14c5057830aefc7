// Package server wires the admin HTTP handlers into a ServeMux.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with the admin routes:
// health check, WebSocket bridge, connection listing, and metrics.
func SetupRoutes(s *Server, b *Broadcaster) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.Handle("/ws", s.WebSocketHandler())
	mux.Handle("/connections", ConnectionsHandler(b, s.logger))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
