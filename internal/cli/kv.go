package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// KVResult is one key/value pair.
type KVResult struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
	Found bool   `json:"found" yaml:"found"`
}

// RenderText implements textRenderer.
func (r KVResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintln(w, r.Value)
	return err
}

// NewKVCommand creates the kv command group.
func NewKVCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read or write shared key/value flags",
		Long: `Read or write the shared key/value table. Workers read control.paused
and control.mode from here.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := rootOpts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()

			value, ok, err := a.st.GetKV(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read key", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("key %q not set", args[0]))
			}
			return rootOpts.formatter(cmd).Success(KVResult{Key: args[0], Value: string(value), Found: true})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := rootOpts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.st.SetKV(ctx, args[0], []byte(args[1])); err != nil {
				return WrapExitError(ExitCommandError, "failed to write key", err)
			}
			return rootOpts.formatter(cmd).Success(KVResult{Key: args[0], Value: args[1], Found: true})
		},
	})

	return cmd
}
