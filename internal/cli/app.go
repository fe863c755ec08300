package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/blanqspace/centrix/internal/approval"
	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/config"
	"github.com/blanqspace/centrix/internal/lock"
	"github.com/blanqspace/centrix/internal/logging"
	"github.com/blanqspace/centrix/internal/registry"
	"github.com/blanqspace/centrix/internal/store"
)

// app bundles the components one CLI invocation works with.
type app struct {
	cfg       *config.Config
	clock     clock.Clock
	logger    *slog.Logger
	st        *store.Store
	bus       *bus.Bus
	approvals *approval.Service
	locks     *lock.Manager
	registry  *registry.Registry
}

// openApp opens the control database and wires components from the loaded
// configuration. Logs go to stderr only with --verbose.
func (o *RootOptions) openApp(ctx context.Context, service string) (*app, error) {
	cfg := o.Config
	if cfg == nil {
		cfg = config.Default()
	}

	logger := logging.Discard()
	if o.Verbose {
		l, err := logging.New(cfg.Log, service, os.Stderr)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid log settings", err)
		}
		logger = l
	}
	return openAppWith(ctx, cfg, o.clock, logger)
}

func openAppWith(ctx context.Context, cfg *config.Config, c clock.Clock, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.Store.Path,
		store.WithBusyTimeout(cfg.Store.BusyTimeout),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	return &app{
		cfg:    cfg,
		clock:  c,
		logger: logger,
		st:     st,
		bus:    bus.New(st, bus.WithClock(c), bus.WithLogger(logger)),
		approvals: approval.New(st,
			approval.WithClock(c),
			approval.WithLogger(logger),
			approval.WithDefaultTTL(cfg.Approval.TTL),
			approval.WithTokenLength(cfg.Approval.TokenLength),
		),
		locks: lock.New(st, cfg.Runtime.LocksDir(),
			lock.WithClock(c),
			lock.WithLogger(logger),
			lock.WithDefaultTTL(cfg.Lock.DefaultTTL),
		),
		registry: registry.New(st,
			registry.WithClock(c),
			registry.WithLogger(logger),
			registry.WithFreshness(cfg.Registry.FreshnessWindow),
		),
	}, nil
}

func (a *app) Close() error {
	return a.st.Close()
}
