package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutError is a net.Error that reports a timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeTransport records written lines in memory and serves inbound lines
// pushed by the test.
type fakeTransport struct {
	addr    string
	inbound chan string
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	lines    []string
	attempts int
	// failWrite, when set, is consulted on every write attempt.
	failWrite func(attempt int) (int, error)
	// stall, when set, holds every write until the transport is closed,
	// like a peer that stopped reading.
	stall bool
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{
		addr:    addr,
		inbound: make(chan string, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) readLine() (string, error) {
	select {
	case line := <-f.inbound:
		return line, nil
	case <-f.closed:
		return "", net.ErrClosed
	}
}

func (f *fakeTransport) writeLine(line string, _ time.Time) (int, error) {
	if f.stall {
		<-f.closed
		return 0, net.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}
	if f.failWrite != nil {
		if n, err := f.failWrite(f.attempts); err != nil {
			return n, err
		}
	}
	f.lines = append(f.lines, line)
	return len(line), nil
}

func (f *fakeTransport) retryable(n int, err error) bool { return n == 0 && isTimeout(err) }

func (f *fakeTransport) close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) remoteAddr() string  { return f.addr }
func (f *fakeTransport) kind() TransportKind { return TransportTCP }

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeTransport) writeAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func newTestConnection(t lineTransport) *Connection {
	return newQueuedTestConnection(t, 16)
}

func newQueuedTestConnection(t lineTransport, queueSize int) *Connection {
	return newConnection(t, connectionOptions{
		writeTimeout: time.Second,
		retry:        RetryConfig{Interval: time.Millisecond, Attempts: 2},
		queueSize:    queueSize,
	}, nil)
}

// registerFakes registers n fake connections and returns them with their
// transports, in registration order.
func registerFakes(t *testing.T, registry *Registry, n int) ([]*Connection, []*fakeTransport) {
	t.Helper()
	conns := make([]*Connection, n)
	transports := make([]*fakeTransport, n)
	for i := range n {
		transports[i] = newFakeTransport(fmt.Sprintf("10.0.0.%d:5000", i+1))
		conns[i] = newTestConnection(transports[i])
		require.NoError(t, registry.Register(conns[i]))
	}
	t.Cleanup(func() { registry.CloseAll() })
	return conns, transports
}

// requireSent waits until ft has written exactly want.
func requireSent(t *testing.T, ft *fakeTransport, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return slices.Equal(ft.sent(), want) },
		2*time.Second, time.Millisecond, "%s never wrote %q", ft.addr, want)
}

// testEnv is a running server on an ephemeral loopback port.
type testEnv struct {
	cfg         *Config
	registry    *Registry
	broadcaster *Broadcaster
	server      *Server
}

func startTestServer(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := NewConfig()
	cfg.Port = "127.0.0.1:0"
	cfg.HTTPAddr = HTTPDisabled
	cfg.WriteTimeout = 2 * time.Second
	cfg.WriteRetryInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	registry := NewRegistry(nil)
	env := &testEnv{
		cfg:         cfg,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, cfg.BroadcastConcurrency, nil),
		server:      NewServer(cfg, registry, nil),
	}

	require.NoError(t, env.server.Start())
	require.NoError(t, env.server.WaitUntilListening(time.Second))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.server.Shutdown(ctx)
	})
	return env
}

// connect dials the server and waits until the registry holds want connections.
func (e *testEnv) connect(t *testing.T, want int) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", e.server.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	e.waitForConnections(t, want)
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (e *testEnv) waitForConnections(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.registry.Len() == want },
		2*time.Second, 5*time.Millisecond, "expected %d registered connections", want)
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *testClient) readLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *testClient) expectLine(t *testing.T, want string) {
	t.Helper()
	got, err := c.readLine(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// expectSilence asserts nothing arrives within d.
func (c *testClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	line, err := c.readLine(d)
	require.Error(t, err, "unexpected line %q", line)
	assert.True(t, isTimeout(err), "expected read timeout, got %v", err)
}
