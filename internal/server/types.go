// Package server defines the echo transforms and utility helpers that are
// reused across connection and handler logic.
package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Transform turns one inbound line into the line echoed back to its sender.
type Transform func(line string) string

// Transform names accepted by Config.Transform.
const (
	TransformUpper    = "upper"
	TransformIdentity = "identity"
)

var transforms = map[string]Transform{
	TransformUpper:    strings.ToUpper,
	TransformIdentity: func(line string) string { return line },
}

// TransformByName returns the named transform, falling back to uppercase.
func TransformByName(name string) Transform {
	if t, ok := transforms[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return transforms[TransformUpper]
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionClosed) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
