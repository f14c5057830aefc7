package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_ReachesEveryConnection(t *testing.T) {
	registry := NewRegistry(nil)
	conns, transports := registerFakes(t, registry, 3)
	b := NewBroadcaster(registry, 2, nil)

	report := b.Broadcast(context.Background(), "ping")

	assert.Equal(t, "ping", report.Message)
	assert.Equal(t, 3, report.Delivered())
	assert.Empty(t, report.Failed())
	for i, ft := range transports {
		requireSent(t, ft, "ping")
		assert.Equal(t, conns[i].ID(), report.Deliveries[i].ConnectionID)
	}
}

func TestBroadcast_EmptyRegistry(t *testing.T) {
	b := NewBroadcaster(NewRegistry(nil), 4, nil)

	report := b.Broadcast(context.Background(), "ping")
	assert.Empty(t, report.Deliveries)
	assert.Zero(t, report.Delivered())
}

func TestBroadcast_KeepsOrderPerConnection(t *testing.T) {
	registry := NewRegistry(nil)
	_, transports := registerFakes(t, registry, 2)
	b := NewBroadcaster(registry, 2, nil)

	for _, msg := range []string{"one", "two", "three"} {
		b.Broadcast(context.Background(), msg)
	}
	for _, ft := range transports {
		requireSent(t, ft, "one", "two", "three")
	}
}

func TestBroadcast_ClosedConnectionsFailIndividually(t *testing.T) {
	registry := NewRegistry(nil)
	conns, transports := registerFakes(t, registry, 5)
	b := NewBroadcaster(registry, 8, nil)

	// Closed but not yet deregistered, as after a peer disconnect that the
	// handler has not observed.
	closed := map[int]bool{1: true, 3: true}
	for i := range closed {
		require.NoError(t, conns[i].Close())
	}

	report := b.Broadcast(context.Background(), "ping")

	require.Len(t, report.Deliveries, 5)
	assert.Equal(t, 3, report.Delivered())
	for i, d := range report.Deliveries {
		assert.Equal(t, conns[i].ID(), d.ConnectionID)
		if closed[i] {
			assert.ErrorIs(t, d.Err, ErrConnectionClosed)
		} else {
			assert.NoError(t, d.Err)
			requireSent(t, transports[i], "ping")
		}
	}
	for i := range closed {
		assert.Empty(t, transports[i].sent())
	}
}

func TestBroadcast_WriteFailureIsIsolated(t *testing.T) {
	registry := NewRegistry(nil)
	conns, transports := registerFakes(t, registry, 3)
	broken := errors.New("connection reset by peer")
	transports[0].failWrite = func(int) (int, error) { return 0, broken }
	b := NewBroadcaster(registry, 1, nil)

	b.Broadcast(context.Background(), "first")

	require.Eventually(t, conns[0].Closed, 2*time.Second, time.Millisecond)
	requireSent(t, transports[1], "first")
	requireSent(t, transports[2], "first")

	// The failed connection is refused from now on; the others keep receiving.
	report := b.Broadcast(context.Background(), "second")
	assert.Equal(t, 2, report.Delivered())
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, conns[0].ID(), failed[0].ConnectionID)
	assert.ErrorIs(t, failed[0].Err, ErrConnectionClosed)
	requireSent(t, transports[2], "first", "second")
}

// Peers that stop reading must not hold up anyone else, even when there are
// as many of them as the fan-out concurrency limit.
func TestBroadcast_StalledPeersDoNotDelayHealthyOnes(t *testing.T) {
	registry := NewRegistry(nil)
	_, transports := registerFakes(t, registry, 3)
	transports[0].stall = true
	transports[1].stall = true
	b := NewBroadcaster(registry, 2, nil)

	done := make(chan Report, 1)
	go func() { done <- b.Broadcast(context.Background(), "ping") }()
	select {
	case report := <-done:
		assert.Equal(t, 3, report.Delivered())
	case <-time.After(time.Second):
		t.Fatal("broadcast waited on stalled peers")
	}
	requireSent(t, transports[2], "ping")

	b.Broadcast(context.Background(), "pong")
	requireSent(t, transports[2], "ping", "pong")
}

func TestBroadcast_FullQueueClosesSlowPeer(t *testing.T) {
	registry := NewRegistry(nil)
	stalled := newFakeTransport("10.0.0.9:5000")
	stalled.stall = true
	slow := newQueuedTestConnection(stalled, 1)
	require.NoError(t, registry.Register(slow))
	t.Cleanup(func() { _ = slow.Close() })
	b := NewBroadcaster(registry, 1, nil)

	// The writer holds at most one line and the queue one more, so one of
	// three broadcasts must be refused.
	var errs []error
	for range 3 {
		if failed := b.Broadcast(context.Background(), "ping").Failed(); len(failed) > 0 {
			errs = append(errs, failed[0].Err)
		}
	}
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrSendQueueFull)
	assert.True(t, slow.Closed())
	assert.True(t, stalled.isClosed())
}

func TestBroadcast_CancelledContext(t *testing.T) {
	registry := NewRegistry(nil)
	_, transports := registerFakes(t, registry, 2)
	b := NewBroadcaster(registry, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := b.Broadcast(ctx, "ping")
	require.Len(t, report.Deliveries, 2)
	for i, d := range report.Deliveries {
		assert.ErrorIs(t, d.Err, context.Canceled)
		assert.Empty(t, transports[i].sent())
	}
}

func TestSendTo_KnownConnection(t *testing.T) {
	registry := NewRegistry(nil)
	conns, transports := registerFakes(t, registry, 2)
	b := NewBroadcaster(registry, 2, nil)

	require.NoError(t, b.SendTo(context.Background(), conns[1].ID(), "direct"))
	requireSent(t, transports[1], "direct")
	assert.Empty(t, transports[0].sent())
}

func TestSendTo_UnknownConnection(t *testing.T) {
	registry := NewRegistry(nil)
	_, transports := registerFakes(t, registry, 2)
	b := NewBroadcaster(registry, 2, nil)

	err := b.SendTo(context.Background(), "no-such-id", "direct")
	assert.ErrorIs(t, err, ErrNotFound)
	for _, ft := range transports {
		assert.Empty(t, ft.sent())
		assert.False(t, ft.isClosed())
	}
}

func TestConnections_ListsInRegistrationOrder(t *testing.T) {
	registry := NewRegistry(nil)
	conns, _ := registerFakes(t, registry, 3)
	b := NewBroadcaster(registry, 2, nil)

	infos := b.Connections()
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, conns[i].ID(), info.ID)
	}
}
