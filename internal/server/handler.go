// Package server runs the per-connection read loop that echoes transformed
// lines back to their sender.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/echocast/internal/metrics"
)

// connectionHandler owns the read loop of exactly one connection, from
// registration until termination.
type connectionHandler struct {
	conn           *Connection
	registry       *Registry
	transform      Transform
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	maxMessageSize int
	logger         *zap.Logger
}

func newConnectionHandler(conn *Connection, registry *Registry, transform Transform, cfg *Config) *connectionHandler {
	rl := cfg.RateLimit()
	return &connectionHandler{
		conn:           conn,
		registry:       registry,
		transform:      transform,
		rateLimiter:    newRateLimiter(rl.Burst, rl.RefillInterval),
		rateLimit:      rl,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         conn.logger,
	}
}

// run reads lines until the connection fails, then deregisters and closes it.
// It must be called exactly once.
func (h *connectionHandler) run(ctx context.Context) {
	defer h.terminate()

	for {
		line, err := h.conn.readLine()
		if err != nil {
			h.handleReadError(err)
			return
		}

		if !h.checkRateLimit() {
			continue
		}

		if !h.processMessage(ctx, line) {
			return
		}
	}
}

func (h *connectionHandler) terminate() {
	h.registry.Deregister(h.conn.ID())
	if err := h.conn.Close(); err != nil {
		h.logger.Warn("Error closing connection", zap.Error(err))
	}
}

// handleReadError logs the reason a read loop ended.
func (h *connectionHandler) handleReadError(err error) {
	switch {
	case errors.Is(err, bufio.ErrTooLong), errors.Is(err, websocket.ErrReadLimit):
		h.logger.Warn("Message exceeded maximum size", zap.Int("max_bytes", h.maxMessageSize))
	case errors.Is(err, io.EOF):
		h.logger.Info("Client disconnected")
	case h.conn.Closed() || isExpectedCloseError(err):
		h.logger.Info("Connection closed", zap.Error(err))
	default:
		h.logger.Warn("Read error", zap.Error(err))
	}
}

// checkRateLimit returns false when the line should be discarded.
func (h *connectionHandler) checkRateLimit() bool {
	if h.rateLimiter != nil && !h.rateLimiter.allow() {
		metrics.MessagesDropped.Inc()
		h.logger.Warn("Rate limit exceeded; discarding message",
			zap.Int("burst", h.rateLimit.Burst),
			zap.Duration("interval", h.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage echoes the transformed line to the same connection and
// returns false if the write failed.
func (h *connectionHandler) processMessage(ctx context.Context, line string) bool {
	out := h.transform(line)
	h.logger.Debug("Received message", zap.String("line", line))

	if err := h.conn.Send(ctx, out); err != nil {
		h.logger.Info("Echo failed, terminating connection", zap.Error(err))
		return false
	}
	metrics.MessagesEchoed.Inc()
	return true
}
