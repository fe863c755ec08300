// Package metrics holds the in-process KPI store: sliding-window counters,
// named monotonic counters, a latency ring buffer and display gauges.
//
// A Store is an explicit instance; construct one at process start and pass
// it to the components that record into it.
package metrics

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/blanqspace/centrix/internal/clock"
)

const (
	// Window is the span of every sliding-window counter.
	Window = 60 * time.Second

	// LatencyCapacity is the size of the latency ring buffer.
	LatencyCapacity = 50
)

// Default counter names, present (at zero) after New and Reset.
const (
	CounterControlActions   = "control_actions_total"
	CounterAdapterErrors    = "adapter_errors_total"
	CounterPacingViolations = "adapter_pacing_violations_total"
)

var defaultCounters = []string{
	CounterControlActions,
	CounterAdapterErrors,
	CounterPacingViolations,
}

// Risk is the last-write-wins risk gauge set.
type Risk struct {
	PnLDay        float64 `json:"pnl_day" yaml:"pnl_day"`
	PnLOpen       float64 `json:"pnl_open" yaml:"pnl_open"`
	MarginUsedPct float64 `json:"margin_used_pct" yaml:"margin_used_pct"`
}

// RiskUpdate sets the non-nil fields of Risk.
type RiskUpdate struct {
	PnLDay        *float64
	PnLOpen       *float64
	MarginUsedPct *float64
}

// Snapshot is a point-in-time view of the store.
type Snapshot struct {
	OpenApprovals    int              `json:"open_approvals" yaml:"open_approvals"`
	QueueDepth       int              `json:"queue_depth" yaml:"queue_depth"`
	Errors1m         int              `json:"errors_1m" yaml:"errors_1m"`
	AlertsDedup1m    int              `json:"alerts_dedup_1m" yaml:"alerts_dedup_1m"`
	AlertsThrottle1m int              `json:"alerts_throttle_1m" yaml:"alerts_throttle_1m"`
	LatencyMedianMS  *float64         `json:"latency_ms_median" yaml:"latency_ms_median"`
	Risk             Risk             `json:"risk" yaml:"risk"`
	Counters         map[string]int64 `json:"counters" yaml:"counters"`
}

// window is a queue of timestamps pruned to the last Window.
type window []time.Time

func (w *window) prune(now time.Time) {
	cut := 0
	for cut < len(*w) && now.Sub((*w)[cut]) > Window {
		cut++
	}
	*w = (*w)[cut:]
}

func (w *window) add(now time.Time) {
	*w = append(*w, now)
	w.prune(now)
}

// ring is a fixed-capacity buffer evicting the oldest sample first.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(capacity int) ring {
	return ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	if r.full {
		return slices.Clone(r.buf)
	}
	return slices.Clone(r.buf[:r.next])
}

func (r *ring) median() *float64 {
	vals := r.values()
	if len(vals) == 0 {
		return nil
	}
	slices.Sort(vals)
	mid := len(vals) / 2
	m := vals[mid]
	if len(vals)%2 == 0 {
		m = (vals[mid-1] + vals[mid]) / 2
	}
	return &m
}

// Store aggregates KPIs. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	counters      map[string]int64
	errors        window
	alertDedup    window
	alertThrottle window
	latency       ring
	risk          Risk
	openApprovals int
	queueDepth    int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for the sliding windows.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrSystem(c) }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.counters = make(map[string]int64, len(defaultCounters))
	for _, name := range defaultCounters {
		s.counters[name] = 0
	}
	s.errors = nil
	s.alertDedup = nil
	s.alertThrottle = nil
	s.latency = newRing(LatencyCapacity)
	s.risk = Risk{}
	s.openApprovals = 0
	s.queueDepth = 0
}

// Reset clears everything back to the post-New state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// RecordError notes one error in the errors window.
func (s *Store) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors.add(s.clock.Now())
}

// RecordAlertDedup notes one deduplicated alert.
func (s *Store) RecordAlertDedup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertDedup.add(s.clock.Now())
}

// RecordAlertThrottle notes one throttled alert.
func (s *Store) RecordAlertThrottle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertThrottle.add(s.clock.Now())
}

// Inc adds amount to the named counter. Negative amounts are ignored.
func (s *Store) Inc(name string, amount int64) {
	if amount < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += amount
}

// Counter returns the named counter, zero if never incremented.
func (s *Store) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// ObserveLatency records a latency sample. Negative samples are ignored.
func (s *Store) ObserveLatency(d time.Duration) {
	if d < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency.push(float64(d) / float64(time.Millisecond))
}

// UpdateRisk applies the non-nil fields of u.
func (s *Store) UpdateRisk(u RiskUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.PnLDay != nil {
		s.risk.PnLDay = *u.PnLDay
	}
	if u.PnLOpen != nil {
		s.risk.PnLOpen = *u.PnLOpen
	}
	if u.MarginUsedPct != nil {
		s.risk.MarginUsedPct = *u.MarginUsedPct
	}
}

// SetOpenApprovals sets the open-approvals gauge, clamped at zero.
func (s *Store) SetOpenApprovals(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openApprovals = max(0, n)
}

// SetQueueDepth sets the queue-depth gauge, clamped at zero.
func (s *Store) SetQueueDepth(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepth = max(0, n)
}

// Snapshot prunes the windows and returns a copy of all values.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.errors.prune(now)
	s.alertDedup.prune(now)
	s.alertThrottle.prune(now)

	return Snapshot{
		OpenApprovals:    s.openApprovals,
		QueueDepth:       s.queueDepth,
		Errors1m:         len(s.errors),
		AlertsDedup1m:    len(s.alertDedup),
		AlertsThrottle1m: len(s.alertThrottle),
		LatencyMedianMS:  s.latency.median(),
		Risk:             s.risk,
		Counters:         maps.Clone(s.counters),
	}
}
