// Package server bridges WebSocket clients into the line protocol: every
// text or binary frame is one line, and every outbound line is one text frame.
package server

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type wsTransport struct {
	conn *websocket.Conn
	addr string
}

func newWSTransport(conn *websocket.Conn, addr string, maxMessageSize int) *wsTransport {
	conn.SetReadLimit(int64(maxMessageSize))
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return &wsTransport{conn: conn, addr: addr}
}

func (t *wsTransport) readLine() (string, error) {
	for {
		messageType, payload, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return strings.TrimRight(string(payload), "\r\n"), nil
	}
}

func (t *wsTransport) writeLine(line string, deadline time.Time) (int, error) {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		return 0, err
	}
	return len(line), nil
}

// gorilla/websocket connections are unusable after any write error.
func (t *wsTransport) retryable(int, error) bool { return false }

func (t *wsTransport) close() error {
	// WriteControl may run concurrently with a data write in progress.
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) remoteAddr() string { return t.addr }

func (t *wsTransport) kind() TransportKind { return TransportWebSocket }
