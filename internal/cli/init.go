package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// InitResult reports the prepared runtime.
type InitResult struct {
	Database      string `json:"database" yaml:"database"`
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	LocksDir      string `json:"locks_dir" yaml:"locks_dir"`
}

// RenderText implements textRenderer.
func (r InitResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "database:  %s (schema v%d)\nlocks dir: %s\n",
		r.Database, r.SchemaVersion, r.LocksDir)
	return err
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the control database",
		Long: `Create the control database and lock directory if missing and bring the
schema up to date. Tables whose columns drifted are moved aside as
<table>_legacyN and recreated. Safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := rootOpts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()

			version, err := a.st.SchemaVersion(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read schema version", err)
			}
			if err := os.MkdirAll(a.locks.Dir(), 0o755); err != nil {
				return WrapExitError(ExitCommandError, "failed to create lock directory", err)
			}
			return rootOpts.formatter(cmd).Success(InitResult{
				Database:      a.st.Path(),
				SchemaVersion: version,
				LocksDir:      a.locks.Dir(),
			})
		},
	}
}
