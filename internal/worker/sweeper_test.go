package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/lock"
)

func TestSweepOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locks := lock.New(f.st, filepath.Join(f.root, "locks"), lock.WithClock(f.clk))

	stale, err := f.bus.Enqueue(ctx, bus.EnqueueRequest{Type: "ECHO", TTL: 5 * time.Second})
	require.NoError(t, err)
	_, err = f.bus.Enqueue(ctx, bus.EnqueueRequest{Type: "ECHO"})
	require.NoError(t, err)

	_, err = f.approvals.Request(ctx, stale, "U1", 5*time.Second)
	require.NoError(t, err)
	_, err = f.approvals.Request(ctx, 99, "U1", time.Hour)
	require.NoError(t, err)

	ok, err := locks.Acquire(ctx, "feed", "worker", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	f.clk.Advance(6 * time.Second)

	s := &Sweeper{Bus: f.bus, Approvals: f.approvals, Locks: locks, Metrics: f.metrics, Clock: f.clk}
	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Commands: 1, Approvals: 1, Locks: 1}, res)

	cmd := f.get(t, stale)
	assert.Equal(t, bus.StatusExpired, cmd.Status)
	assert.Contains(t, f.topics(t), "cmd.echo.expired")

	snap := f.metrics.Snapshot()
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, 1, snap.OpenApprovals)

	res, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweepOnce_NilCollaborators(t *testing.T) {
	res, err := (&Sweeper{}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweeper_ServeStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s := &Sweeper{Bus: f.bus, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
