// Package server exposes the admin HTTP handlers: health, connection listing,
// and the WebSocket bridge into the line protocol.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *Server) newUpgrader() *websocket.Upgrader {
	policy := newOriginPolicy(s.cfg.Origins(), s.logger)
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.checkOrigin,
	}
}

// WebSocketHandler upgrades requests to WebSocket and attaches the socket as
// a connection that shares the registry, echo path, heartbeat, and broadcasts
// with TCP clients.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	upgrader := s.newUpgrader()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		if s.State() != StateListening {
			http.Error(w, "Server is not accepting connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		if _, err := s.attach(newWSTransport(conn, r.RemoteAddr, s.cfg.MaxMessageSize)); err != nil {
			s.logger.Info("WebSocket connection rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		}
	}
}

// HealthHandler reports whether the server is accepting connections.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	state := s.State()
	if state != StateListening {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = fmt.Fprintf(w, "echo server is %s, %d open connections", state, s.registry.Len())
}

// ConnectionsHandler lists the open connections as JSON.
func ConnectionsHandler(b *Broadcaster, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(b.Connections()); err != nil {
			logger.Warn("Error writing connections response", zap.Error(err))
		}
	}
}
