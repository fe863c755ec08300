// Package alert gates alerts in front of an external notifier.
//
// Each Emit passes three checks in order:
//
//  1. level below the configured minimum: dropped silently
//  2. per-level 60s window already at the rate limit: throttled
//  3. fingerprint seen within the dedup window: deduplicated
//
// Throttling caps total volume per severity, regardless of fingerprint.
// Dedup collapses repeats of one fingerprint. An alert that passes all three
// is recorded and handed to the Notifier outside the engine lock. Notifier
// failures are logged and never affect the counters.
package alert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/metrics"
)

// RateWindow is the span of the per-level throttle window.
const RateWindow = 60 * time.Second

// Config controls gating.
type Config struct {
	MinLevel      bus.Level
	DedupWindow   time.Duration
	RatePerMinute int
	NotifyTimeout time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MinLevel:      bus.LevelInfo,
		DedupWindow:   60 * time.Second,
		RatePerMinute: 10,
		NotifyTimeout: 3 * time.Second,
	}
}

// Alert is what a Notifier receives.
type Alert struct {
	Level       bus.Level `json:"level"`
	Topic       string    `json:"topic"`
	Message     string    `json:"message"`
	Fingerprint string    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

// DedupEntry tracks one fingerprint inside the dedup window.
type DedupEntry struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Count       int       `json:"count"`
	Level       bus.Level `json:"level"`
}

// Counters are cumulative since construction or the last Reset.
type Counters struct {
	Emitted   int64 `json:"emitted"`
	Deduped   int64 `json:"deduped"`
	Throttled int64 `json:"throttled"`
}

// Engine applies dedup and throttling. Safe for concurrent use.
type Engine struct {
	cfg      Config
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Store

	mu       sync.Mutex
	buckets  map[bus.Level][]time.Time
	dedup    map[string]*DedupEntry
	counters Counters
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source for windows.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records dedup and throttle hits into m.
func WithMetrics(m *metrics.Store) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. A nil notifier discards delivered alerts.
func New(cfg Config, n Notifier, opts ...Option) *Engine {
	def := DefaultConfig()
	if !cfg.MinLevel.Valid() {
		cfg.MinLevel = def.MinLevel
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.RatePerMinute < 1 {
		cfg.RatePerMinute = 1
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if n == nil {
		n = NotifierFunc(func(context.Context, Alert) error { return nil })
	}

	e := &Engine{
		cfg:      cfg,
		notifier: n,
		clock:    clock.System{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		buckets:  make(map[bus.Level][]time.Time),
		dedup:    make(map[string]*DedupEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit gates one alert and reports whether it was delivered to the notifier.
//
// Unknown levels are treated as INFO. An empty fingerprint defaults to
// topic + ":" + message.
func (e *Engine) Emit(ctx context.Context, level bus.Level, topic, message, fingerprint string) bool {
	level = bus.ParseLevel(string(level))
	if !level.AtLeast(e.cfg.MinLevel) {
		return false
	}
	if fingerprint == "" {
		fingerprint = topic + ":" + message
	}

	now := e.clock.Now()
	if !e.admit(level, fingerprint, now) {
		return false
	}

	e.deliver(ctx, Alert{
		Level:       level,
		Topic:       topic,
		Message:     message,
		Fingerprint: fingerprint,
		At:          now,
	})
	return true
}

// admit runs the throttle and dedup checks and records the alert.
func (e *Engine) admit(level bus.Level, fingerprint string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	bucket := pruneBefore(e.buckets[level], now, RateWindow)
	e.buckets[level] = bucket
	if len(bucket) >= e.cfg.RatePerMinute {
		e.counters.Throttled++
		if e.metrics != nil {
			e.metrics.RecordAlertThrottle()
		}
		return false
	}

	cutoff := now.Add(-e.cfg.DedupWindow)
	for fp, entry := range e.dedup {
		if entry.LastSeen.Before(cutoff) {
			delete(e.dedup, fp)
		}
	}

	if entry, ok := e.dedup[fingerprint]; ok && now.Sub(entry.FirstSeen) <= e.cfg.DedupWindow {
		entry.Count++
		entry.LastSeen = now
		e.counters.Deduped++
		if e.metrics != nil {
			e.metrics.RecordAlertDedup()
		}
		return false
	}

	e.dedup[fingerprint] = &DedupEntry{
		Fingerprint: fingerprint,
		FirstSeen:   now,
		LastSeen:    now,
		Count:       1,
		Level:       level,
	}
	e.buckets[level] = append(bucket, now)
	e.counters.Emitted++
	return true
}

// deliver calls the notifier with a timeout, recovering panics.
func (e *Engine) deliver(ctx context.Context, a Alert) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("notifier panic: %v", r)
			}
		}()
		return e.notifier.Notify(ctx, a)
	}()
	if err != nil {
		e.logger.Warn("alert notifier failed",
			"topic", a.Topic,
			"level", a.Level,
			"fingerprint", a.Fingerprint,
			"error", err,
		)
	}
}

// pruneBefore drops timestamps older than window relative to now.
func pruneBefore(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(ts) && now.Sub(ts[cut]) > window {
		cut++
	}
	return ts[cut:]
}

// Counters returns the cumulative counters.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// Entries returns the live dedup entries sorted by fingerprint.
func (e *Engine) Entries() []DedupEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DedupEntry, 0, len(e.dedup))
	for _, entry := range e.dedup {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Reset clears windows, dedup state and counters.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buckets = make(map[bus.Level][]time.Time)
	e.dedup = make(map[string]*DedupEntry)
	e.counters = Counters{}
}
