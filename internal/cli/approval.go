package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/approval"
)

// ApprovalOptions holds flags for approval subcommands.
type ApprovalOptions struct {
	*RootOptions
	By     string
	TTL    time.Duration
	Reason string
}

// ApprovalRequestResult reports a new approval.
type ApprovalRequestResult struct {
	SubjectID int64  `json:"subject_id" yaml:"subject_id"`
	Token     string `json:"token" yaml:"token"`
}

// RenderText implements textRenderer.
func (r ApprovalRequestResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "approval for #%d pending, token %s\n", r.SubjectID, r.Token)
	return err
}

// ApprovalDecision reports a confirm or reject outcome.
type ApprovalDecision struct {
	SubjectID int64  `json:"subject_id" yaml:"subject_id"`
	OK        bool   `json:"ok" yaml:"ok"`
	Reason    string `json:"reason" yaml:"reason"`
}

// RenderText implements textRenderer.
func (r ApprovalDecision) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "#%d: %s\n", r.SubjectID, r.Reason)
	return err
}

// SweepResult reports how many rows a sweep expired.
type SweepResult struct {
	Expired int `json:"expired" yaml:"expired"`
}

// RenderText implements textRenderer.
func (r SweepResult) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "expired %d approval(s)\n", r.Expired)
	return err
}

func parseSubject(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid subject id %q", s))
	}
	return id, nil
}

// NewApprovalCommand creates the approval command group.
func NewApprovalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApprovalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Two-man-rule approvals",
		Long: `Request, confirm and reject approvals. The approver must differ from
the initiator and present the single-use token before it expires.`,
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

	decide := func(cmd *cobra.Command, subject int64, res approval.Result) error {
		out := ApprovalDecision{SubjectID: subject, OK: res.OK, Reason: res.Reason}
		if !res.OK {
			f := opts.formatter(cmd)
			if f.Format != "text" {
				_ = f.Error("E_APPROVAL", res.Reason, out)
			}
			return NewExitError(ExitFailure, res.Reason)
		}
		return opts.formatter(cmd).Success(out)
	}

	request := &cobra.Command{
		Use:   "request SUBJECT_ID",
		Short: "Open an approval for a command id",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			subject, err := parseSubject(args[0])
			if err != nil {
				return err
			}
			token, err := a.approvals.Request(ctx, subject, opts.By, opts.TTL)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to request approval", err)
			}
			return opts.formatter(cmd).Success(ApprovalRequestResult{SubjectID: subject, Token: token})
		}),
	}
	request.Flags().StringVar(&opts.By, "by", "", "initiating user (required)")
	request.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default approval.ttl)")
	_ = request.MarkFlagRequired("by")

	confirm := &cobra.Command{
		Use:   "confirm SUBJECT_ID TOKEN",
		Short: "Approve with the token; exits 1 when refused",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			subject, err := parseSubject(args[0])
			if err != nil {
				return err
			}
			res, err := a.approvals.Confirm(ctx, subject, opts.By, args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to confirm", err)
			}
			return decide(cmd, subject, res)
		}),
	}
	confirm.Flags().StringVar(&opts.By, "by", "", "approving user (required)")
	_ = confirm.MarkFlagRequired("by")

	reject := &cobra.Command{
		Use:   "reject SUBJECT_ID",
		Short: "Reject a pending approval; exits 1 when refused",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			subject, err := parseSubject(args[0])
			if err != nil {
				return err
			}
			res, err := a.approvals.Reject(ctx, subject, opts.By, opts.Reason)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reject", err)
			}
			return decide(cmd, subject, res)
		}),
	}
	reject.Flags().StringVar(&opts.By, "by", "", "rejecting user (required)")
	reject.Flags().StringVar(&opts.Reason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("by")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending approvals past their deadline",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			n, err := a.approvals.ExpireSweep(ctx, a.clock.Now())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to sweep approvals", err)
			}
			return opts.formatter(cmd).Success(SweepResult{Expired: n})
		}),
	}

	cmd.AddCommand(request, confirm, reject, sweep)
	return cmd
}
