package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/blanqspace/centrix/internal/approval"
	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/lock"
	"github.com/blanqspace/centrix/internal/metrics"
)

// DefaultSweepInterval is the period between sweeps.
const DefaultSweepInterval = 5 * time.Second

// SweepResult counts what one sweep removed or expired.
type SweepResult struct {
	Commands  int `json:"commands" yaml:"commands"`
	Approvals int `json:"approvals" yaml:"approvals"`
	Locks     int `json:"locks" yaml:"locks"`
}

// Sweeper is a supervised maintenance loop. Any of its collaborators may be
// nil and is then skipped.
type Sweeper struct {
	Bus       *bus.Bus
	Approvals *approval.Service
	Locks     *lock.Manager
	Metrics   *metrics.Store
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string {
	return "sweeper"
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := s.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger().Error("sweep failed", "error", err)
		} else if res != (SweepResult{}) {
			s.logger().Info("sweep", "commands_expired", res.Commands,
				"approvals_expired", res.Approvals, "locks_reaped", res.Locks)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce expires stale commands and approvals, reaps locks and refreshes
// the queue-depth and open-approval gauges. Every step runs even if an
// earlier one fails; the errors are joined.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
		now  = clock.OrSystem(s.Clock).Now()
	)

	if s.Bus != nil {
		n, err := s.Bus.ExpireSweep(ctx, now)
		res.Commands = n
		errs = append(errs, err)
	}
	if s.Approvals != nil {
		n, err := s.Approvals.ExpireSweep(ctx, now)
		res.Approvals = n
		errs = append(errs, err)
	}
	if s.Locks != nil {
		n, err := s.Locks.Reap(ctx, now)
		res.Locks = n
		errs = append(errs, err)
	}

	if s.Metrics != nil {
		if s.Bus != nil {
			depth, err := s.Bus.CountByStatus(ctx, bus.StatusNew)
			if err == nil {
				s.Metrics.SetQueueDepth(depth)
			}
			errs = append(errs, err)
		}
		if s.Approvals != nil {
			open, err := s.Approvals.CountPending(ctx)
			if err == nil {
				s.Metrics.SetOpenApprovals(open)
			}
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}
