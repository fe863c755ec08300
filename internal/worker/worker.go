// Package worker executes queued commands and runs periodic maintenance.
//
// Worker claims NEW commands through the bus CAS, dispatches them to a
// Handler by type and records the outcome as a terminal status plus a
// cmd.<type>.ok|fail event. Sweeper expires stale commands and approvals,
// reaps locks and refreshes the queue gauges. Both are suture services.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/blanqspace/centrix/internal/alert"
	"github.com/blanqspace/centrix/internal/approval"
	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/metrics"
	"github.com/blanqspace/centrix/internal/rbac"
	"github.com/blanqspace/centrix/internal/store"
)

// DefaultPollInterval is the idle wait between empty polls.
const DefaultPollInterval = time.Second

// gatedPageSize is how many waiting gated commands are read per query.
const gatedPageSize = 50

// Worker is a supervised command executor.
type Worker struct {
	name      string
	bus       *bus.Bus
	st        *store.Store
	approvals *approval.Service
	gated     []string
	policy    *rbac.Policy
	metrics   *metrics.Store
	alerts    *alert.Engine
	handlers  map[string]Handler
	poll      time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithPollInterval sets the idle wait.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithApprovals holds commands of the given types until their latest
// approval is OK.
func WithApprovals(svc *approval.Service, gatedTypes ...string) Option {
	return func(w *Worker) {
		w.approvals = svc
		w.gated = w.gated[:0]
		for _, t := range gatedTypes {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				w.gated = append(w.gated, t)
			}
		}
	}
}

// WithPolicy fails commands whose role may not perform their type.
func WithPolicy(p *rbac.Policy) Option {
	return func(w *Worker) { w.policy = p }
}

// WithMetrics records latency, errors and action counts.
func WithMetrics(m *metrics.Store) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithAlerts raises an alert for every failed command.
func WithAlerts(e *alert.Engine) Option {
	return func(w *Worker) { w.alerts = e }
}

// WithHandlers registers handlers by command type.
func WithHandlers(h map[string]Handler) Option {
	return func(w *Worker) {
		for t, handler := range h {
			w.Register(t, handler)
		}
	}
}

// New creates a Worker named name.
func New(name string, b *bus.Bus, st *store.Store, opts ...Option) *Worker {
	w := &Worker{
		name:     name,
		bus:      b,
		st:       st,
		handlers: make(map[string]Handler),
		poll:     DefaultPollInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.clock = clock.OrSystem(w.clock)
	return w
}

// Register binds h to a command type.
func (w *Worker) Register(cmdType string, h Handler) {
	w.handlers[strings.ToUpper(cmdType)] = h
}

// String implements fmt.Stringer for supervisor logs.
func (w *Worker) String() string {
	return "worker:" + w.name
}

// Serve implements suture.Service. Storage faults are logged and retried
// after the poll interval.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info("worker started", "worker", w.name, "poll", w.poll)
	defer w.logger.Info("worker stopped", "worker", w.name)

	for {
		processed, err := w.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("worker loop error; backing off", "worker", w.name, "error", err)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

// ProcessOnce executes at most one command and reports whether it did.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	paused, err := IsPaused(ctx, w.st)
	if err != nil {
		return false, err
	}

	gated := w.gatedTypes(paused)
	if len(gated) > 0 {
		done, err := w.processGated(ctx, gated)
		if err != nil || done {
			return done, err
		}
	}

	filter := bus.ClaimFilter{ExcludeTypes: w.gated}
	if paused {
		filter.Types = controlTypes
	}
	cmd, err := w.bus.ClaimNext(ctx, filter)
	if err != nil || cmd == nil {
		return false, err
	}
	return true, w.execute(ctx, *cmd)
}

func (w *Worker) gatedTypes(paused bool) []string {
	if w.approvals == nil {
		return nil
	}
	if !paused {
		return w.gated
	}
	var out []string
	for _, t := range w.gated {
		if slices.Contains(controlTypes, t) {
			out = append(out, t)
		}
	}
	return out
}

// processGated runs or fails the oldest gated command whose approval is
// decided. Commands still waiting on a PENDING approval, or with none, are
// left NEW for the sweeper to expire. Waiting commands are paged by id so an
// undecided backlog never hides a decided command behind it.
func (w *Worker) processGated(ctx context.Context, types []string) (bool, error) {
	var after int64
	for {
		waiting, err := w.bus.List(ctx, bus.ListQuery{
			Status:  bus.StatusNew,
			Types:   types,
			AfterID: after,
			Limit:   gatedPageSize,
		})
		if err != nil {
			return false, err
		}
		for _, cmd := range waiting {
			after = cmd.ID
			handled, err := w.tryGated(ctx, cmd)
			if handled || err != nil {
				return handled, err
			}
		}
		if len(waiting) < gatedPageSize {
			return false, nil
		}
	}
}

// tryGated claims cmd and runs or fails it when its approval is decided.
// It reports false when cmd must keep waiting or another worker claimed it.
func (w *Worker) tryGated(ctx context.Context, cmd bus.Command) (bool, error) {
	now := w.clock.Now()
	if cmd.Expired(now) {
		return false, nil
	}
	a, err := w.approvals.Latest(ctx, cmd.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var reason string
	switch {
	case a.Status == approval.StatusOK:
	case a.Status == approval.StatusRejected:
		reason = "approval rejected"
		if a.Reason != "" {
			reason += ": " + a.Reason
		}
	case a.Status == approval.StatusExpired || (a.Status == approval.StatusPending && !now.Before(a.ExpiresAt)):
		reason = "approval expired"
	default:
		return false, nil
	}

	ok, err := w.bus.Claim(ctx, cmd.ID)
	if err != nil || !ok {
		return false, err
	}
	if reason != "" {
		return true, w.fail(ctx, cmd, w.clock.Now(), errors.New(reason))
	}
	return true, w.execute(ctx, cmd)
}

// execute runs a claimed command and finishes it.
func (w *Worker) execute(ctx context.Context, cmd bus.Command) error {
	start := w.clock.Now()
	w.logger.Info("executing command", "command_id", cmd.ID, "type", cmd.Type, "requested_by", cmd.RequestedBy)

	if w.policy != nil {
		role := w.policy.Resolve(cmd.RequestedBy, cmd.Role)
		if !w.policy.Allow(strings.ToLower(cmd.Type), role) {
			return w.fail(ctx, cmd, start, fmt.Errorf("role %q may not %s", role, strings.ToLower(cmd.Type)))
		}
	}

	h, ok := w.handlers[cmd.Type]
	if !ok {
		return w.fail(ctx, cmd, start, fmt.Errorf("no handler for %s", cmd.Type))
	}

	result, err := w.invoke(ctx, h, cmd)
	if err != nil {
		return w.fail(ctx, cmd, start, err)
	}
	return w.succeed(ctx, cmd, start, result)
}

func (w *Worker) invoke(ctx context.Context, h Handler, cmd bus.Command) (result store.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, cmd)
}

func (w *Worker) succeed(ctx context.Context, cmd bus.Command, start time.Time, result store.Document) error {
	finished, err := w.bus.Finish(ctx, cmd.ID, bus.StatusDone, result)
	if err != nil {
		return err
	}
	if !finished {
		w.logger.Warn("command no longer running", "command_id", cmd.ID)
		return nil
	}
	if w.metrics != nil {
		w.metrics.Inc(metrics.CounterControlActions, 1)
		w.metrics.ObserveLatency(w.clock.Now().Sub(start))
	}
	_, err = w.bus.Emit(ctx, bus.CommandTopic(cmd.Type, "ok"), bus.LevelInfo, store.Document{
		"command_id": cmd.ID,
		"result":     map[string]any(result),
	}, cmd.CorrelationID)
	w.logger.Info("command completed", "command_id", cmd.ID, "type", cmd.Type)
	return err
}

func (w *Worker) fail(ctx context.Context, cmd bus.Command, start time.Time, cause error) error {
	msg := cause.Error()
	finished, err := w.bus.Finish(ctx, cmd.ID, bus.StatusFail, store.Document{"error": msg})
	if err != nil {
		return err
	}
	if !finished {
		w.logger.Warn("command no longer running", "command_id", cmd.ID)
		return nil
	}
	if w.metrics != nil {
		w.metrics.RecordError()
		w.metrics.ObserveLatency(w.clock.Now().Sub(start))
	}
	topic := bus.CommandTopic(cmd.Type, "fail")
	_, err = w.bus.Emit(ctx, topic, bus.LevelError, store.Document{
		"command_id": cmd.ID,
		"error":      msg,
	}, cmd.CorrelationID)
	w.logger.Error("command failed", "command_id", cmd.ID, "type", cmd.Type, "error", msg)

	if w.alerts != nil {
		w.alerts.Emit(ctx, bus.LevelError, topic, fmt.Sprintf("command %d failed: %s", cmd.ID, msg), topic+":"+msg)
	}
	return err
}
