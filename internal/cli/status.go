package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/worker"
)

var reportedStatuses = []bus.Status{bus.StatusNew, bus.StatusRunning, bus.StatusDone, bus.StatusFail, bus.StatusExpired}

// StatusReport is a one-shot view of the control plane.
type StatusReport struct {
	Paused        bool           `json:"paused" yaml:"paused"`
	Mode          string         `json:"mode" yaml:"mode"`
	Commands      map[string]int `json:"commands" yaml:"commands"`
	OpenApprovals int            `json:"open_approvals" yaml:"open_approvals"`
	Locks         int            `json:"locks" yaml:"locks"`
	Services      ServiceList    `json:"services" yaml:"services"`
}

// RenderText implements textRenderer.
func (r StatusReport) RenderText(w io.Writer) error {
	paused := "no"
	if r.Paused {
		paused = "yes"
	}
	fmt.Fprintf(w, "mode:      %s\npaused:    %s\n", r.Mode, paused)
	fmt.Fprint(w, "commands: ")
	for _, s := range reportedStatuses {
		fmt.Fprintf(w, " %s=%d", s, r.Commands[string(s)])
	}
	fmt.Fprintf(w, "\napprovals: %d open\nlocks:     %d\n", r.OpenApprovals, r.Locks)
	live := 0
	for _, s := range r.Services {
		if s.Live {
			live++
		}
	}
	if _, err := fmt.Fprintf(w, "services:  %d/%d live\n", live, len(r.Services)); err != nil {
		return err
	}
	if len(r.Services) == 0 {
		return nil
	}
	return r.Services.RenderText(w)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize queue, approvals, locks and services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := rootOpts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := collectStatus(ctx, a)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to collect status", err)
			}
			return rootOpts.formatter(cmd).Success(report)
		},
	}
}

func collectStatus(ctx context.Context, a *app) (StatusReport, error) {
	var (
		r   = StatusReport{Commands: make(map[string]int, len(reportedStatuses))}
		err error
	)
	if r.Paused, err = worker.IsPaused(ctx, a.st); err != nil {
		return r, err
	}
	if r.Mode, err = worker.Mode(ctx, a.st); err != nil {
		return r, err
	}
	for _, s := range reportedStatuses {
		n, err := a.bus.CountByStatus(ctx, s)
		if err != nil {
			return r, err
		}
		r.Commands[string(s)] = n
	}
	if r.OpenApprovals, err = a.approvals.CountPending(ctx); err != nil {
		return r, err
	}
	locks, err := a.locks.List(ctx)
	if err != nil {
		return r, err
	}
	r.Locks = len(locks)
	services, err := a.registry.GetAll(ctx)
	if err != nil {
		return r, err
	}
	r.Services = sortedServices(services)
	return r, nil
}
