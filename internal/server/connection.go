// Package server manages individual connections, serializing writes and
// tracking the open/closed lifecycle of each socket.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/echocast/internal/metrics"
)

// TransportKind names the wire transport a connection arrived on.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "websocket"
)

// lineTransport moves whole lines over one socket. readLine is only called
// from the connection's handler goroutine; writeLine is only called with the
// connection's write lock held.
type lineTransport interface {
	readLine() (string, error)
	writeLine(line string, deadline time.Time) (int, error)
	// retryable reports whether a failed write left the stream intact.
	retryable(n int, err error) bool
	close() error
	remoteAddr() string
	kind() TransportKind
}

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	ID          string        `json:"id"`
	RemoteAddr  string        `json:"remote_addr"`
	Transport   TransportKind `json:"transport"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// Connection represents one live client socket. It is owned by the Server and
// Registry; handlers and the Broadcaster only hold references to it.
type Connection struct {
	id           string
	transport    lineTransport
	connectedAt  time.Time
	writeTimeout time.Duration
	retry        RetryConfig
	logger       *zap.Logger

	// outbound feeds the writer goroutine with fan-out lines.
	outbound chan outboundLine
	ctx      context.Context
	cancel   context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

type outboundLine struct {
	source string
	line   string
}

// connectionOptions holds the per-connection write settings.
type connectionOptions struct {
	writeTimeout time.Duration
	retry        RetryConfig
	queueSize    int
}

func newConnection(t lineTransport, opts connectionOptions, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.queueSize <= 0 {
		opts.queueSize = 1
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           id,
		transport:    t,
		connectedAt:  time.Now(),
		writeTimeout: opts.writeTimeout,
		retry:        opts.retry,
		outbound:     make(chan outboundLine, opts.queueSize),
		ctx:          ctx,
		cancel:       cancel,
		logger: logger.With(
			zap.String("conn_id", id),
			zap.String("remote_addr", t.remoteAddr()),
			zap.String("transport", string(t.kind())),
		),
	}
	go c.writeLoop()
	return c
}

// ID returns the identifier assigned at accept time.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.transport.remoteAddr() }

// Transport returns the wire transport of the connection.
func (c *Connection) Transport() TransportKind { return c.transport.kind() }

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Info returns a snapshot view of the connection.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:          c.id,
		RemoteAddr:  c.RemoteAddr(),
		Transport:   c.Transport(),
		ConnectedAt: c.connectedAt,
	}
}

// Send writes one line to the connection. Writes from concurrent callers are
// serialized so lines never interleave. A write that timed out before any
// byte was sent is retried; any other failure closes the connection, which
// ends its handler.
func (c *Connection) Send(ctx context.Context, line string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}

	op := func() error {
		n, err := c.transport.writeLine(line, time.Now().Add(c.writeTimeout))
		if err == nil {
			return nil
		}
		if c.closed.Load() || !c.transport.retryable(n, err) {
			return backoff.Permanent(err)
		}
		metrics.WriteRetries.Inc()
		c.logger.Debug("write timed out, retrying", zap.Duration("interval", c.retry.Interval))
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retry.Interval), uint64(c.retry.Attempts)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write failed, closing connection", zap.Error(err))
		}
		_ = c.Close()
		return fmt.Errorf("write to %s: %w", c.id, err)
	}
	return nil
}

// enqueue hands line to the connection's writer without blocking. A full
// queue means the peer is not keeping up: the connection is closed and
// ErrSendQueueFull returned, so a stalled peer never holds up a fan-out.
func (c *Connection) enqueue(source, line string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case c.outbound <- outboundLine{source: source, line: line}:
		return nil
	default:
		c.logger.Warn("Send queue full, closing slow connection", zap.Int("queue_size", cap(c.outbound)))
		metrics.MessagesDropped.Inc()
		_ = c.Close()
		return ErrSendQueueFull
	}
}

// writeLoop drains the outbound queue until the connection is closed.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.outbound:
			if err := c.Send(c.ctx, out.line); err != nil {
				metrics.Deliveries.WithLabelValues(out.source, "failed").Inc()
				return
			}
			metrics.Deliveries.WithLabelValues(out.source, "ok").Inc()
		}
	}
}

// Close closes the underlying socket exactly once. It does not touch the
// registry: the connection's handler deregisters when its read fails.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		err = c.transport.close()
	})
	if err != nil && isExpectedCloseError(err) {
		return nil
	}
	return err
}

func (c *Connection) readLine() (string, error) {
	return c.transport.readLine()
}

// tcpTransport frames lines on a raw TCP socket.
type tcpTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newTCPTransport(conn net.Conn, maxMessageSize int) *tcpTransport {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(maxMessageSize, 4096)), maxMessageSize)
	scanner.Split(bufio.ScanLines)
	return &tcpTransport{conn: conn, scanner: scanner}
}

func (t *tcpTransport) readLine() (string, error) {
	if t.scanner.Scan() {
		return t.scanner.Text(), nil
	}
	if err := t.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (t *tcpTransport) writeLine(line string, deadline time.Time) (int, error) {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	return io.WriteString(t.conn, line+"\r\n")
}

func (t *tcpTransport) retryable(n int, err error) bool {
	return n == 0 && isTimeout(err)
}

func (t *tcpTransport) close() error { return t.conn.Close() }

func (t *tcpTransport) remoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *tcpTransport) kind() TransportKind { return TransportTCP }
