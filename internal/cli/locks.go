package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/lock"
)

// LockList is the locks list result.
type LockList []lock.Info

// RenderText implements textRenderer.
func (l LockList) RenderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no locks")
		return err
	}
	if _, err := fmt.Fprintf(w, "%-16s %-12s %-8s %-8s %-8s %s\n", "NAME", "OWNER", "TTL", "AGE", "STATE", "SOURCE"); err != nil {
		return err
	}
	for _, info := range l {
		state := "held"
		if info.Expired {
			state = "expired"
		}
		source := "file+db"
		switch {
		case !info.FileBacked:
			source = "db-only"
		case !info.Mirrored:
			source = "file-only"
		}
		if _, err := fmt.Fprintf(w, "%-16s %-12s %-8s %-8s %-8s %s\n",
			info.Name, info.Owner, info.TTL.Round(time.Second), info.Age.Round(time.Second), state, source); err != nil {
			return err
		}
	}
	return nil
}

// LockResult reports acquire/release/reap outcomes.
type LockResult struct {
	Action string `json:"action" yaml:"action"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Owner  string `json:"owner,omitempty" yaml:"owner,omitempty"`
	OK     bool   `json:"ok" yaml:"ok"`
	Reaped int    `json:"reaped,omitempty" yaml:"reaped,omitempty"`
}

// RenderText implements textRenderer.
func (r LockResult) RenderText(w io.Writer) error {
	var err error
	switch r.Action {
	case "reap":
		_, err = fmt.Fprintf(w, "reaped %d lock(s)\n", r.Reaped)
	default:
		_, err = fmt.Fprintf(w, "%s %s by %s: ok\n", r.Action, r.Name, r.Owner)
	}
	return err
}

// LockOptions holds flags shared by lock subcommands.
type LockOptions struct {
	*RootOptions
	Owner string
	TTL   time.Duration
}

// NewLocksCommand creates the locks command group.
func NewLocksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and manage cooperative TTL locks",
		Long: `Locks are O_EXCL files under <runtime>/locks mirrored into the locks
table. The file is authoritative; the table is for visibility.`,
	}

	withApp := func(run func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := opts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()
			return run(ctx, a, cmd, args)
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List locks with age and expiry",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			infos, err := a.locks.List(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list locks", err)
			}
			return opts.formatter(cmd).Success(LockList(infos))
		}),
	}

	acquire := &cobra.Command{
		Use:   "acquire NAME",
		Short: "Take a lock; exits 1 when busy",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			ok, err := a.locks.Acquire(ctx, args[0], opts.Owner, opts.TTL)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to acquire lock", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("lock %q is busy", args[0]))
			}
			return opts.formatter(cmd).Success(LockResult{Action: "acquire", Name: args[0], Owner: opts.Owner, OK: true})
		}),
	}
	acquire.Flags().StringVar(&opts.Owner, "owner", "", "lock owner (required)")
	acquire.Flags().DurationVar(&opts.TTL, "ttl", 0, "lease duration (default lock.default_ttl)")
	_ = acquire.MarkFlagRequired("owner")

	release := &cobra.Command{
		Use:   "release NAME",
		Short: "Release a lock held by --owner; exits 1 otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			ok, err := a.locks.Release(ctx, args[0], opts.Owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to release lock", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("lock %q is not held by %q", args[0], opts.Owner))
			}
			return opts.formatter(cmd).Success(LockResult{Action: "release", Name: args[0], Owner: opts.Owner, OK: true})
		}),
	}
	release.Flags().StringVar(&opts.Owner, "owner", "", "lock owner (required)")
	_ = release.MarkFlagRequired("owner")

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Remove expired locks and reconcile the mirror table",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			n, err := a.locks.Reap(ctx, a.clock.Now())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reap locks", err)
			}
			return opts.formatter(cmd).Success(LockResult{Action: "reap", OK: true, Reaped: n})
		}),
	}

	cmd.AddCommand(list, acquire, release, reap)
	return cmd
}
