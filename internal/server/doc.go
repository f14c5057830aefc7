// Package server implements the core of the echo server: the connection
// registry, per-connection handlers, the broadcaster, the heartbeat
// scheduler, and the TCP server that ties them together.
//
// Files are split by concern: configuration, registry, connections, handlers,
// fan-out, heartbeat, and the admin HTTP surface.
package server
