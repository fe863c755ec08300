package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blanqspace/centrix/internal/bus"
	"github.com/blanqspace/centrix/internal/store"
)

// timeLayout renders stored timestamps (UTC, millisecond precision).
const timeLayout = "2006-01-02T15:04:05.000Z"

// EventsTailOptions holds flags for events tail.
type EventsTailOptions struct {
	*RootOptions
	Limit int
	Level string
	Topic string
}

// EventList is the events tail result.
type EventList []bus.Event

// RenderText implements textRenderer.
func (l EventList) RenderText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	for _, e := range l {
		data, err := store.MarshalDocument(e.Data)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%-5d %s %-8s %-22s %s", e.ID, e.CreatedAt.Format(timeLayout), e.Level, e.Topic, data)
		if e.CorrelationID != "" {
			line += " corr=" + e.CorrelationID
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log",
	}
	cmd.AddCommand(newEventsTailCommand(rootOpts))
	return cmd
}

func newEventsTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsTailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events, oldest first",
		Long: `Show the newest events in ascending id order.

Examples:
  centrix events tail --limit 20
  centrix events tail --level ERROR
  centrix events tail --topic cmd.pause.ok --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := opts.openApp(ctx, "cli")
			if err != nil {
				return err
			}
			defer a.Close()

			q := bus.TailQuery{Limit: opts.Limit, Topic: opts.Topic}
			if opts.Level != "" {
				q.Level = bus.ParseLevel(opts.Level)
			}
			events, err := a.bus.TailEvents(ctx, q)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read events", err)
			}
			return opts.formatter(cmd).Success(EventList(events))
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 100, "number of events")
	cmd.Flags().StringVar(&opts.Level, "level", "", "only this level (DEBUG|INFO|WARN|ERROR|CRITICAL)")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "only this topic")

	return cmd
}
