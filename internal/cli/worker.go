package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/alert"
	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/gateway"
	"github.com/blanqspace/centrix/internal/logging"
	"github.com/blanqspace/centrix/internal/metrics"
	"github.com/blanqspace/centrix/internal/rbac"
	"github.com/blanqspace/centrix/internal/registry"
	"github.com/blanqspace/centrix/internal/store"
	"github.com/blanqspace/centrix/internal/supervisor"
	"github.com/blanqspace/centrix/internal/worker"
)

// simStartingCash seeds the mock-mode gateway account.
const simStartingCash = 100_000

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Name        string
	Once        bool
	MetricsAddr string
}

// DrainResult reports a --once run.
type DrainResult struct {
	Processed int                `json:"processed" yaml:"processed"`
	Swept     worker.SweepResult `json:"swept" yaml:"swept"`
}

// RenderText implements textRenderer.
func (r DrainResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "processed %d command(s); expired %d command(s), %d approval(s); reaped %d lock(s)\n",
		r.Processed, r.Swept.Commands, r.Swept.Approvals, r.Swept.Locks)
	return err
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the command worker, sweeper and heartbeat",
		Long: `Run the supervised worker: it claims queued commands, executes the
built-in PAUSE, RESUME, MODE, STATUS and ORDER handlers, holds gated
types until approved, expires stale commands and approvals, reaps locks
and heartbeats into the service registry. Stops on SIGINT/SIGTERM.

With --once it drains the queue, runs one sweep and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "worker name (default worker.name)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "drain the queue once and exit")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// workerRuntime is the wired worker process.
type workerRuntime struct {
	name    string
	app     *app
	metrics *metrics.Store
	worker  *worker.Worker
	sweeper *worker.Sweeper
}

func buildRuntime(ctx context.Context, opts *WorkerOptions, logger *slog.Logger) (*workerRuntime, error) {
	cfg := opts.Config
	a, err := openAppWith(ctx, cfg, opts.clock, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New(metrics.WithClock(opts.clock))
	sim := gateway.Instrument(gateway.NewSim(simStartingCash, nil, opts.clock), m)

	notifiers := alert.MultiNotifier{alert.EventNotifier{Bus: a.bus}}
	if url := cfg.Alert.Webhook.URL; url != "" {
		hook := alert.NewWebhookNotifier(url, cfg.Alert.Webhook.RatePerSecond, cfg.Alert.Webhook.Burst, nil)
		notifiers = append(notifiers, alert.NewBreakerNotifier(hook, alert.BreakerSettings{
			Name:             "alert-webhook",
			FailureThreshold: cfg.Alert.Webhook.BreakerFailures,
			Timeout:          cfg.Alert.Webhook.BreakerTimeout,
			Logger:           logger,
		}))
	}
	alerts := alert.New(alert.Config{
		MinLevel:      bus.ParseLevel(cfg.Alert.MinLevel),
		DedupWindow:   cfg.Alert.DedupWindow,
		RatePerMinute: cfg.Alert.RatePerMinute,
		NotifyTimeout: cfg.Alert.NotifyTimeout,
	}, notifiers,
		alert.WithClock(opts.clock),
		alert.WithLogger(logger),
		alert.WithMetrics(m),
	)

	name := cfg.Worker.Name
	if opts.Name != "" {
		name = opts.Name
	}
	wopts := []worker.Option{
		worker.WithClock(opts.clock),
		worker.WithLogger(logger),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithMetrics(m),
		worker.WithAlerts(alerts),
		worker.WithApprovals(a.approvals, cfg.Approval.GatedTypes...),
		worker.WithHandlers(worker.Builtins(a.st, m, sim, nil)),
	}
	if cfg.Worker.EnforceRBAC {
		wopts = append(wopts, worker.WithPolicy(rbac.New(cfg.Roles)))
	}

	return &workerRuntime{
		name:    name,
		app:     a,
		metrics: m,
		worker:  worker.New(name, a.bus, a.st, wopts...),
		sweeper: &worker.Sweeper{
			Bus:       a.bus,
			Approvals: a.approvals,
			Locks:     a.locks,
			Metrics:   m,
			Interval:  cfg.Worker.SweepInterval,
			Clock:     opts.clock,
			Logger:    logger,
		},
	}, nil
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	logger := logging.Discard()
	if !opts.Once || opts.Verbose {
		l, err := logging.New(opts.Config.Log, "worker", cmd.ErrOrStderr())
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid log settings", err)
		}
		logger = l
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer rt.app.Close()

	if opts.Once {
		res, err := drain(ctx, rt)
		if err != nil {
			return WrapExitError(ExitCommandError, "worker run failed", err)
		}
		return opts.formatter(cmd).Success(res)
	}

	tree := supervisor.New("centrix", logger, supervisor.Config{})
	tree.AddControl(rt.worker)
	tree.AddControl(rt.sweeper)
	tree.AddPresence(&registry.Heartbeat{
		Registry: rt.app.registry,
		Service:  rt.name,
		Interval: opts.Config.Registry.HeartbeatInterval,
		Details: func() store.Document {
			snap := rt.metrics.Snapshot()
			return store.Document{
				"queue_depth":    snap.QueueDepth,
				"open_approvals": snap.OpenApprovals,
				"errors_1m":      snap.Errors1m,
			}
		},
	})
	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(rt.metrics))
		tree.AddPresence(&metricsServer{addr: opts.MetricsAddr, handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})
	}

	logger.Info("worker starting", "db", rt.app.st.Path(), "locks", rt.app.locks.Dir())
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker stopped", err)
	}
	return nil
}

// drain processes commands until none is eligible, then sweeps once.
func drain(ctx context.Context, rt *workerRuntime) (DrainResult, error) {
	var res DrainResult
	for {
		processed, err := rt.worker.ProcessOnce(ctx)
		if err != nil {
			return res, err
		}
		if !processed {
			break
		}
		res.Processed++
	}
	swept, err := rt.sweeper.SweepOnce(ctx)
	res.Swept = swept
	return res, err
}

// metricsServer serves /metrics as a supervised service.
type metricsServer struct {
	addr    string
	handler http.Handler
}

func (s *metricsServer) String() string {
	return "metrics:" + s.addr
}

func (s *metricsServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler)
	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
