// Package server fans a single logical message out to every open connection.
package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/echocast/internal/metrics"
)

// Fan-out sources, used as the metrics "source" label.
const (
	sourceOperator  = "operator"
	sourceHeartbeat = "heartbeat"
	sourceDirect    = "direct"
)

// Delivery is the result of handing one message to one connection. A nil
// Err means the line was queued for the connection's writer; a later write
// failure closes that connection and its handler deregisters it.
type Delivery struct {
	ConnectionID string
	Err          error
}

// Report lists the per-target outcome of a Broadcast, in snapshot order.
type Report struct {
	Message    string
	Deliveries []Delivery
}

// Delivered returns the number of connections that accepted the message.
func (r Report) Delivered() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the deliveries that were refused.
func (r Report) Failed() []Delivery {
	var failed []Delivery
	for _, d := range r.Deliveries {
		if d.Err != nil {
			failed = append(failed, d)
		}
	}
	return failed
}

// Broadcaster resolves messages into one write per registered connection.
type Broadcaster struct {
	registry    *Registry
	concurrency int
	logger      *zap.Logger
}

// NewBroadcaster creates a Broadcaster over registry. concurrency bounds the
// number of goroutines handing a single fan-out to connection queues.
func NewBroadcaster(registry *Registry, concurrency int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Broadcaster{
		registry:    registry,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Broadcast queues message on every connection in the current registry
// snapshot. Queueing never waits on socket I/O, so a stalled peer cannot
// delay delivery to the others. A refused target is recorded in the report;
// a peer whose queue is full is closed.
func (b *Broadcaster) Broadcast(ctx context.Context, message string) Report {
	return b.broadcast(ctx, sourceOperator, message)
}

func (b *Broadcaster) broadcast(ctx context.Context, source, message string) Report {
	start := time.Now()
	targets := b.registry.Enumerate()
	deliveries := make([]Delivery, len(targets))

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, conn := range targets {
		g.Go(func() error {
			deliveries[i] = Delivery{ConnectionID: conn.ID(), Err: b.deliver(ctx, source, conn, message)}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Message: message, Deliveries: deliveries}
	metrics.BroadcastDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())

	if failed := len(report.Failed()); failed > 0 {
		b.logger.Info("Broadcast completed with failures",
			zap.String("source", source),
			zap.Int("targets", len(targets)),
			zap.Int("failed", failed))
	} else {
		b.logger.Debug("Broadcast completed",
			zap.String("source", source),
			zap.Int("targets", len(targets)))
	}
	return report
}

// SendTo queues message on the single connection registered under id. It
// fails with ErrNotFound if id is not registered.
func (b *Broadcaster) SendTo(ctx context.Context, id, message string) error {
	conn, err := b.registry.Lookup(id)
	if err != nil {
		metrics.Deliveries.WithLabelValues(sourceDirect, "not_found").Inc()
		return err
	}
	return b.deliver(ctx, sourceDirect, conn, message)
}

// Connections returns the open connections in registration order.
func (b *Broadcaster) Connections() []ConnectionInfo {
	return b.registry.Snapshot()
}

func (b *Broadcaster) deliver(ctx context.Context, source string, conn *Connection, message string) error {
	if err := ctx.Err(); err != nil {
		metrics.Deliveries.WithLabelValues(source, "cancelled").Inc()
		return err
	}
	if err := conn.enqueue(source, message); err != nil {
		metrics.Deliveries.WithLabelValues(source, "refused").Inc()
		return err
	}
	return nil
}
