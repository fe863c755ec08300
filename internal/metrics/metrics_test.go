package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanqspace/centrix/internal/testutil"
)

func newTestStore() (*Store, *testutil.FakeClock) {
	clk := testutil.NewFakeClock(time.Time{})
	return New(WithClock(clk)), clk
}

func TestNew_DefaultCounters(t *testing.T) {
	s, _ := newTestStore()
	snap := s.Snapshot()

	assert.Equal(t, map[string]int64{
		CounterControlActions:   0,
		CounterAdapterErrors:    0,
		CounterPacingViolations: 0,
	}, snap.Counters)
	assert.Nil(t, snap.LatencyMedianMS)
	assert.Equal(t, Risk{}, snap.Risk)
}

func TestSlidingWindows_PruneAfterSixtySeconds(t *testing.T) {
	s, clk := newTestStore()

	s.RecordError()
	s.RecordAlertDedup()
	s.RecordAlertThrottle()
	clk.Advance(30 * time.Second)
	s.RecordError()

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Errors1m)
	assert.Equal(t, 1, snap.AlertsDedup1m)
	assert.Equal(t, 1, snap.AlertsThrottle1m)

	// Exactly one window old still counts.
	clk.Advance(30 * time.Second)
	assert.Equal(t, 2, s.Snapshot().Errors1m)

	clk.Advance(time.Millisecond)
	snap = s.Snapshot()
	assert.Equal(t, 1, snap.Errors1m)
	assert.Zero(t, snap.AlertsDedup1m)
	assert.Zero(t, snap.AlertsThrottle1m)

	clk.Advance(time.Minute)
	assert.Zero(t, s.Snapshot().Errors1m)
}

func TestCounters(t *testing.T) {
	s, _ := newTestStore()

	s.Inc(CounterControlActions, 1)
	s.Inc(CounterControlActions, 2)
	s.Inc("custom_total", 5)
	s.Inc("custom_total", -3)

	assert.Equal(t, int64(3), s.Counter(CounterControlActions))
	assert.Equal(t, int64(5), s.Counter("custom_total"), "counters never decrease")
	assert.Zero(t, s.Counter("never_seen"))
}

func TestLatency_MedianAndEviction(t *testing.T) {
	s, _ := newTestStore()

	s.ObserveLatency(30 * time.Millisecond)
	s.ObserveLatency(10 * time.Millisecond)
	s.ObserveLatency(-time.Millisecond)
	s.ObserveLatency(20 * time.Millisecond)

	m := s.Snapshot().LatencyMedianMS
	require.NotNil(t, m)
	assert.InDelta(t, 20.0, *m, 1e-9)

	s.ObserveLatency(40 * time.Millisecond)
	m = s.Snapshot().LatencyMedianMS
	require.NotNil(t, m)
	assert.InDelta(t, 25.0, *m, 1e-9, "even count averages the middle pair")

	// Fill the ring with 1000ms samples; the early small ones are evicted.
	for i := 0; i < LatencyCapacity; i++ {
		s.ObserveLatency(time.Second)
	}
	m = s.Snapshot().LatencyMedianMS
	require.NotNil(t, m)
	assert.InDelta(t, 1000.0, *m, 1e-9)
}

func TestRing_OldestEvictedFirst(t *testing.T) {
	r := newRing(3)
	for _, v := range []float64{1, 2, 3, 4} {
		r.push(v)
	}
	assert.ElementsMatch(t, []float64{2, 3, 4}, r.values())
}

func TestRisk_LastWriteWins(t *testing.T) {
	s, _ := newTestStore()

	day, open, margin := 120.5, -3.0, 42.0
	s.UpdateRisk(RiskUpdate{PnLDay: &day, MarginUsedPct: &margin})
	s.UpdateRisk(RiskUpdate{PnLOpen: &open})

	day2 := 99.0
	s.UpdateRisk(RiskUpdate{PnLDay: &day2})

	assert.Equal(t, Risk{PnLDay: 99, PnLOpen: -3, MarginUsedPct: 42}, s.Snapshot().Risk)
}

func TestGauges_ClampAtZero(t *testing.T) {
	s, _ := newTestStore()

	s.SetOpenApprovals(3)
	s.SetQueueDepth(-1)

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.OpenApprovals)
	assert.Zero(t, snap.QueueDepth)
}

func TestReset(t *testing.T) {
	s, _ := newTestStore()

	s.RecordError()
	s.Inc("custom_total", 1)
	s.ObserveLatency(time.Millisecond)
	s.SetQueueDepth(4)

	s.Reset()

	snap := s.Snapshot()
	assert.Zero(t, snap.Errors1m)
	assert.Zero(t, snap.QueueDepth)
	assert.Nil(t, snap.LatencyMedianMS)
	assert.NotContains(t, snap.Counters, "custom_total")
	assert.Contains(t, snap.Counters, CounterAdapterErrors)
}

func TestSnapshot_IsACopy(t *testing.T) {
	s, _ := newTestStore()
	snap := s.Snapshot()
	snap.Counters[CounterControlActions] = 100

	assert.Zero(t, s.Counter(CounterControlActions))
}

func TestConcurrentRecording(t *testing.T) {
	s, _ := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Inc(CounterControlActions, 1)
				s.RecordError()
				s.ObserveLatency(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), s.Counter(CounterControlActions))
	assert.Equal(t, 1000, s.Snapshot().Errors1m)
}
