// Package cli implements the centrix operator command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	ConfigPath string
	Database   string
	RuntimeDir string

	// Config is loaded before any subcommand runs.
	Config *config.Config

	clock clock.Clock
	ids   bus.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the centrix root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(nil, nil)
}

func newRootCommand(c clock.Clock, ids bus.IDGenerator) *cobra.Command {
	if ids == nil {
		ids = bus.UUIDGenerator{}
	}
	opts := &RootOptions{clock: clock.OrSystem(c), ids: ids}

	cmd := &cobra.Command{
		Use:   "centrix",
		Short: "centrix - local control plane",
		Long: `Operate the centrix control plane: a shared SQLite command/event log,
TTL locks, two-man-rule approvals and a service registry used by every
centrix process on this machine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			if opts.Database != "" {
				cfg.Store.Path = opts.Database
			}
			if opts.RuntimeDir != "" {
				cfg.Runtime.Dir = opts.RuntimeDir
			}
			opts.Config = cfg
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	flags.StringVar(&opts.ConfigPath, "config", "", "path to YAML config (default $CENTRIX_CONFIG)")
	flags.StringVar(&opts.Database, "db", "", "path to the control database (overrides store.path)")
	flags.StringVar(&opts.RuntimeDir, "runtime", "", "runtime directory holding locks (overrides runtime.dir)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewLocksCommand(opts))
	cmd.AddCommand(NewApprovalCommand(opts))
	cmd.AddCommand(NewSvcCommand(opts))
	cmd.AddCommand(NewKVCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
