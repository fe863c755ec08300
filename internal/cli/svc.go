package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/registry"
	"github.com/blanqspace/centrix/internal/store"
)

// ServiceList is the svc status result, sorted by service name.
type ServiceList []registry.ServiceStatus

func sortedServices(m map[string]registry.ServiceStatus) ServiceList {
	out := make(ServiceList, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[name])
	}
	return out
}

// RenderText implements textRenderer.
func (l ServiceList) RenderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no services")
		return err
	}
	if _, err := fmt.Fprintf(w, "%-16s %-6s %-5s %-8s %s\n", "SERVICE", "STATE", "LIVE", "AGE", "LAST SEEN"); err != nil {
		return err
	}
	for _, s := range l {
		live := "no"
		if s.Live {
			live = "yes"
		}
		if _, err := fmt.Fprintf(w, "%-16s %-6s %-5s %-8s %s\n",
			s.Service, s.State, live, s.Age.Round(time.Second), s.LastSeen.Format(timeLayout)); err != nil {
			return err
		}
	}
	return nil
}

// SvcTouchOptions holds flags for svc touch.
type SvcTouchOptions struct {
	*RootOptions
	State   string
	Details string
}

// NewSvcCommand creates the svc command group.
func NewSvcCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "svc",
		Short: "Service registry",
		Long: `Inspect self-reported service status. A service is live when its state
is up and it was seen within registry.freshness_window.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List services with derived liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := rootOpts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.registry.GetAll(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read services", err)
			}
			return rootOpts.formatter(cmd).Success(sortedServices(all))
		},
	})

	touchOpts := &SvcTouchOptions{RootOptions: rootOpts}
	touch := &cobra.Command{
		Use:   "touch NAME",
		Short: "Record a heartbeat for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var details store.Document
			if touchOpts.Details != "" {
				doc, err := store.UnmarshalDocument(touchOpts.Details)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --details", err)
				}
				details = doc
			}

			ctx := context.Background()
			a, err := touchOpts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.registry.Touch(ctx, args[0], registry.State(touchOpts.State), details); err != nil {
				return WrapExitError(ExitCommandError, "failed to touch service", err)
			}
			all, err := a.registry.GetAll(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read services", err)
			}
			return touchOpts.formatter(cmd).Success(sortedServices(map[string]registry.ServiceStatus{args[0]: all[args[0]]}))
		},
	}
	touch.Flags().StringVar(&touchOpts.State, "state", string(registry.StateUp), "up or down")
	touch.Flags().StringVar(&touchOpts.Details, "details", "", "JSON object with extra details")
	cmd.AddCommand(touch)

	return cmd
}
