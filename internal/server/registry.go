// Package server tracks the set of open connections through the Registry,
// which every other component reads and mutates through its methods.
package server

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/echocast/internal/metrics"
)

type registryEntry struct {
	conn *Connection
	seq  uint64
}

// Registry maps connection ids to open connections. It is safe for
// concurrent use by the accept path, handlers, and fan-out paths.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]registryEntry
	seq    uint64
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]registryEntry),
		logger: logger,
	}
}

// Register adds conn. It fails with ErrDuplicateConnection if the id is
// already present.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return errors.New("register: nil connection")
	}

	r.mu.Lock()
	if _, exists := r.conns[conn.ID()]; exists {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	r.seq++
	r.conns[conn.ID()] = registryEntry{conn: conn, seq: r.seq}
	count := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(count))
	r.logger.Info("Connection registered",
		zap.String("conn_id", conn.ID()),
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.Int("total", count))
	return nil
}

// Deregister removes id and reports whether it was present. Removing an
// absent id is a no-op.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	if _, ok := r.conns[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	count := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(count))
	r.logger.Info("Connection deregistered", zap.String("conn_id", id), zap.Int("total", count))
	return true
}

// Lookup returns the connection registered under id or ErrNotFound.
func (r *Registry) Lookup(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.conn, nil
}

// Enumerate returns a point-in-time snapshot of the registered connections in
// registration order. Later mutations are not reflected in the returned slice.
func (r *Registry) Enumerate() []*Connection {
	r.mu.RLock()
	entries := make([]registryEntry, 0, len(r.conns))
	for _, entry := range r.conns {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b registryEntry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	conns := make([]*Connection, len(entries))
	for i, entry := range entries {
		conns[i] = entry.conn
	}
	return conns
}

// Snapshot returns read-only views of the registered connections.
func (r *Registry) Snapshot() []ConnectionInfo {
	conns := r.Enumerate()
	infos := make([]ConnectionInfo, len(conns))
	for i, conn := range conns {
		infos[i] = conn.Info()
	}
	return infos
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection and returns how many were
// closed. Entries are removed by their handlers as their reads fail.
func (r *Registry) CloseAll() int {
	conns := r.Enumerate()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			r.logger.Warn("Error closing connection", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}
	return len(conns)
}
