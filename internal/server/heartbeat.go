package server

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Tyrowin/echocast/internal/metrics"
)

// HeartbeatMessage is the payload sent to every connection on each tick.
const HeartbeatMessage = "heartbeat"

const defaultHeartbeatPeriod = time.Second

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) HeartbeatOption {
	return func(h *Heartbeat) { h.clock = clock }
}

// Heartbeat broadcasts HeartbeatMessage once per period while running.
// Tick n is due at start+n*period. Ticks run on a single goroutine, so an
// overdue tick waits for the previous fan-out and then runs immediately.
type Heartbeat struct {
	broadcaster *Broadcaster
	period      time.Duration
	clock       clockwork.Clock
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a stopped heartbeat scheduler.
func NewHeartbeat(broadcaster *Broadcaster, period time.Duration, logger *zap.Logger, opts ...HeartbeatOption) *Heartbeat {
	if period <= 0 {
		period = defaultHeartbeatPeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Heartbeat{
		broadcaster: broadcaster,
		period:      period,
		clock:       clockwork.NewRealClock(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins emitting ticks. The loop stops when ctx is cancelled or Stop
// is called.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runningLocked() {
		return ErrHeartbeatRunning
	}
	if h.cancel != nil {
		// The previous run ended with its parent context.
		h.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.cancel = cancel
	h.done = done

	go h.run(runCtx, done)
	h.logger.Info("Heartbeat started", zap.Duration("period", h.period))
	return nil
}

// Stop halts the scheduler and waits for an in-flight tick to finish. No tick
// is emitted after Stop returns. Stopping a stopped heartbeat is a no-op.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
	h.logger.Info("Heartbeat stopped")
}

// Running reports whether the tick loop is active. It turns false once Stop
// is called or the context passed to Start is cancelled.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runningLocked()
}

func (h *Heartbeat) runningLocked() bool {
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Heartbeat) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	start := h.clock.Now()
	for n := int64(1); ; n++ {
		due := start.Add(time.Duration(n) * h.period)
		if wait := due.Sub(h.clock.Now()); wait > 0 {
			timer := h.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}
		if ctx.Err() != nil {
			return
		}
		h.tick(ctx, n)
	}
}

func (h *Heartbeat) tick(ctx context.Context, n int64) {
	metrics.HeartbeatTicks.Inc()
	report := h.broadcaster.broadcast(ctx, sourceHeartbeat, HeartbeatMessage)
	h.logger.Debug("Heartbeat tick",
		zap.Int64("tick", n),
		zap.Int("delivered", report.Delivered()),
		zap.Int("failed", len(report.Failed())))
}
