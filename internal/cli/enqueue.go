package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/store"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Payload       string
	RequestedBy   string
	Role          string
	TTL           time.Duration
	CorrelationID string
	RequestToken  bool
}

// EnqueueResult reports a queued command.
type EnqueueResult struct {
	ID            int64  `json:"id" yaml:"id"`
	Type          string `json:"type" yaml:"type"`
	CorrelationID string `json:"correlation_id" yaml:"correlation_id"`
	Token         string `json:"approval_token,omitempty" yaml:"approval_token,omitempty"`
}

// RenderText implements textRenderer.
func (r EnqueueResult) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "queued %s #%d (corr %s)\n", r.Type, r.ID, r.CorrelationID); err != nil {
		return err
	}
	if r.Token != "" {
		_, err := fmt.Fprintf(w, "approval token: %s\n", r.Token)
		return err
	}
	return nil
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue TYPE",
		Short: "Queue a command for the worker",
		Long: `Queue a command with status NEW. The type is upper-cased.

Commands of a gated type (approval.gated_types) run only after a second
user confirms them; --request-approval opens that approval immediately and
prints the token.

Examples:
  centrix enqueue pause --by U123 --role operator
  centrix enqueue mode --payload '{"mode":"live"}' --by U1 --role admin
  centrix enqueue order --payload '{"symbol":"AAPL","action":"BUY","quantity":10}' --by U1 --request-approval`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON object payload")
	cmd.Flags().StringVar(&opts.RequestedBy, "by", "", "requesting user id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role of the requester (default: roles map lookup)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "expire the command if not claimed within this duration")
	cmd.Flags().StringVar(&opts.CorrelationID, "corr", "", "correlation id (default: generated)")
	cmd.Flags().BoolVar(&opts.RequestToken, "request-approval", false, "open a two-man-rule approval for the command")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command, cmdType string) error {
	ctx := context.Background()

	var payload store.Document
	if opts.Payload != "" {
		doc, err := store.UnmarshalDocument(opts.Payload)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --payload", err)
		}
		payload = doc
	}
	if opts.RequestToken && opts.RequestedBy == "" {
		return NewExitError(ExitCommandError, "--request-approval needs --by")
	}

	a, err := opts.openApp(ctx, "cli")
	if err != nil {
		return err
	}
	defer a.Close()

	corr := opts.CorrelationID
	if corr == "" {
		corr = opts.ids.Generate()
	}
	id, err := a.bus.Enqueue(ctx, bus.EnqueueRequest{
		Type:          cmdType,
		Payload:       payload,
		RequestedBy:   opts.RequestedBy,
		Role:          opts.Role,
		TTL:           opts.TTL,
		CorrelationID: corr,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}

	res := EnqueueResult{ID: id, Type: strings.ToUpper(cmdType), CorrelationID: corr}
	if opts.RequestToken {
		token, err := a.approvals.Request(ctx, id, opts.RequestedBy, 0)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to request approval", err)
		}
		res.Token = token
	}
	return opts.formatter(cmd).Success(res)
}
