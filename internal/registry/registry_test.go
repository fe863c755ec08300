package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanqspace/centrix/internal/store"
	"github.com/blanqspace/centrix/internal/testutil"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *testutil.FakeClock) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testutil.NewFakeClock(time.Time{})
	return New(st, append([]Option{WithClock(clk)}, opts...)...), clk
}

func TestLiveness_AgesOutWithoutSecondTouch(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Touch(ctx, "worker", StateUp, nil))

	all, err := r.GetAll(ctx)
	require.NoError(t, err)
	assert.True(t, all["worker"].Live)

	clk.Advance(DefaultFreshness)
	live, err := r.IsLive(ctx, "worker")
	require.NoError(t, err)
	assert.True(t, live, "boundary is inclusive")

	clk.Advance(time.Millisecond)
	all, err = r.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUp, all["worker"].State, "stored state is unchanged")
	assert.False(t, all["worker"].Live)
	assert.Equal(t, DefaultFreshness+time.Millisecond, all["worker"].Age)
}

func TestTouch_DownIsNeverLive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Touch(ctx, "bridge", StateDown, store.Document{"reason": "stopped"}))

	all, err := r.GetAll(ctx)
	require.NoError(t, err)
	assert.False(t, all["bridge"].Live)
	assert.Equal(t, "stopped", all["bridge"].Details.String("reason"))
}

func TestTouch_Upserts(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Touch(ctx, "worker", StateUp, store.Document{"n": 1}))
	clk.Advance(30 * time.Second)
	require.NoError(t, r.Touch(ctx, "worker", StateUp, nil))

	all, err := r.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all["worker"].Live)
	assert.Nil(t, all["worker"].Details)
	assert.True(t, all["worker"].LastSeen.Equal(clk.Now()))
}

func TestTouch_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.Error(t, r.Touch(ctx, "  ", StateUp, nil))
	assert.Error(t, r.Touch(ctx, "worker", State("sideways"), nil))
}

func TestIsLive_Unknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	live, err := r.IsLive(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestWithFreshness(t *testing.T) {
	r, clk := newTestRegistry(t, WithFreshness(time.Minute))
	ctx := context.Background()

	require.NoError(t, r.Touch(ctx, "ui", StateUp, nil))
	clk.Advance(30 * time.Second)

	live, err := r.IsLive(ctx, "ui")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, time.Minute, r.Freshness())
}

func TestHeartbeat_TouchesUpThenDown(t *testing.T) {
	r, _ := newTestRegistry(t)

	hb := &Heartbeat{
		Registry: r,
		Service:  "worker",
		Interval: 5 * time.Millisecond,
		Details:  func() store.Document { return store.Document{"pid": 42} },
	}
	assert.Equal(t, "heartbeat:worker", hb.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Serve(ctx) }()

	require.Eventually(t, func() bool {
		live, err := r.IsLive(context.Background(), "worker")
		return err == nil && live
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not stop")
	}

	all, err := r.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDown, all["worker"].State)
	assert.False(t, all["worker"].Live)
	pid, ok := all["worker"].Details.Int64("pid")
	assert.True(t, ok)
	assert.Equal(t, int64(42), pid)
}
