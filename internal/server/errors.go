package server

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateConnection means a connection id is already registered.
	// Ids are uuids, so this indicates an id generation bug.
	ErrDuplicateConnection = errors.New("connection id already registered")

	// ErrNotFound means the target connection is not currently registered.
	ErrNotFound = errors.New("connection not found")

	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned when a connection's outbound queue is full.
	// The connection is closed when this happens.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrServerClosed is returned when attaching a connection to a server that
	// is no longer listening.
	ErrServerClosed = errors.New("server closed")

	// ErrAlreadyStarted is returned by Start on a server that was started before.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrHeartbeatRunning is returned by Start on a running heartbeat.
	ErrHeartbeatRunning = errors.New("heartbeat already running")
)

// BindError reports that the listening address could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// StartupTimeoutError reports that the accept loop did not start in time.
type StartupTimeoutError struct {
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("server not listening after %s", e.Timeout)
}
