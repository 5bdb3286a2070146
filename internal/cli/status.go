package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/view"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database  string
	Stuck     bool
	OlderThan time.Duration
	Limit     int
}

// StatusCount is the number of views in one status.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [transaction-id]",
		Short: "Show transaction views",
		Long: `Show the view of one transaction, the number of views per status, or
transactions stuck in a transient status.

Examples:
  txlife status --db ./txlife.db 0192f0c1-7e7d-7b4e-9c1a-4f3c2b1a0d9e
  txlife status --db ./txlife.db
  txlife status --db ./txlife.db --stuck --older-than 30m`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.Stuck, "stuck", false, "list transactions in a transient status")
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 15*time.Minute, "with --stuck, minimum time since the last update")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "with --stuck, maximum number of views")

	return cmd
}

func runStatus(opts *StatusOptions, args []string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := context.Background()

	switch {
	case len(args) == 1:
		id := event.NormalizeID(args[0])
		v, err := st.FindByTransactionID(ctx, id)
		if errors.Is(err, view.ErrNotFound) {
			return out.Fail(ExitFailure, CodeNotFound, fmt.Sprintf("transaction %s not found", id), nil, nil)
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read view", err)
		}
		return out.Print(v, func(w io.Writer) { printView(w, v) })

	case opts.Stuck:
		before := time.Now().UTC().Add(-opts.OlderThan)
		views, err := st.ListStuck(ctx, before, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list stuck transactions", err)
		}
		return out.Print(views, func(w io.Writer) {
			if len(views) == 0 {
				fmt.Fprintln(w, "No stuck transactions.")
				return
			}
			for _, v := range views {
				fmt.Fprintf(w, "%s  %-24s seq=%d  updated %s\n",
					v.TransactionID, v.Status, v.LastAppliedSequenceNumber, v.UpdatedAt.Format(time.RFC3339))
			}
		})

	default:
		counts, err := st.CountByStatus(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count views", err)
		}
		rows := make([]StatusCount, 0, len(counts))
		for _, s := range lifecycle.Statuses() {
			if n := counts[s]; n > 0 {
				rows = append(rows, StatusCount{Status: string(s), Count: n})
			}
		}
		return out.Print(rows, func(w io.Writer) {
			if len(rows) == 0 {
				fmt.Fprintln(w, "No transactions.")
				return
			}
			for _, r := range rows {
				fmt.Fprintf(w, "%-24s %d\n", r.Status, r.Count)
			}
		})
	}
}

func printView(w io.Writer, v view.TransactionView) {
	fmt.Fprintf(w, "Transaction: %s\n", v.TransactionID)
	fmt.Fprintf(w, "  status:       %s\n", v.Status)
	fmt.Fprintf(w, "  last applied: %d\n", v.LastAppliedSequenceNumber)
	fmt.Fprintf(w, "  version:      %d\n", v.Version)
	if !v.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "  updated at:   %s\n", v.UpdatedAt.Format(time.RFC3339Nano))
	}
	if lifecycle.IsTerminal(v.Status) {
		fmt.Fprintln(w, "  (terminal)")
	}
}
