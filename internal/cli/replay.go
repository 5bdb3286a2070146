package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/projector"
	"github.com/roach88/txlife/internal/store"
	"github.com/roach88/txlife/internal/view"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayTransactionResult holds the replay result for one transaction.
type ReplayTransactionResult struct {
	TransactionID string   `json:"transaction_id"`
	Events        int      `json:"events"`
	StoredStatus  string   `json:"stored_status,omitempty"`
	RebuiltStatus string   `json:"rebuilt_status,omitempty"`
	Drift         []string `json:"drift,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Transactions []ReplayTransactionResult `json:"transactions"`
	Total        int                       `json:"total"`
	Drifted      int                       `json:"drifted"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [transaction-id]",
		Short: "Rebuild views from the event journal and report drift",
		Long: `Rebuild views by folding the journaled events with the same rules the
projector applies live, and compare them with the stored views.

Without a transaction id every transaction with journaled events or a stored
view is replayed.

Exit codes:
  0 - Every rebuilt view matches its stored view
  1 - Drift detected
  2 - Command error (database not found, etc.)

Examples:
  txlife replay --db ./txlife.db
  txlife replay --db ./txlife.db 0192f0c1-7e7d-7b4e-9c1a-4f3c2b1a0d9e
  txlife replay --db ./txlife.db --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runReplay(opts *ReplayOptions, args []string, cmd *cobra.Command) error {
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

	var ids []string
	if len(args) == 1 {
		ids = []string{event.NormalizeID(args[0])}
	} else {
		ids, err = st.ListTransactionIDs(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list transactions", err)
		}
	}

	result := ReplayResult{
		Transactions: make([]ReplayTransactionResult, 0, len(ids)),
		Total:        len(ids),
	}
	for _, id := range ids {
		tr, err := replayTransaction(ctx, st, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", id), err)
		}
		out.VerboseLog("replayed %s: %d events", id, tr.Events)
		if len(tr.Drift) > 0 {
			result.Drifted++
		}
		result.Transactions = append(result.Transactions, tr)
	}

	text := func(w io.Writer) {
		if result.Total == 0 {
			fmt.Fprintln(w, "No journaled transactions found.")
			return
		}
		for _, tr := range result.Transactions {
			if len(tr.Drift) == 0 {
				fmt.Fprintf(w, "✓ %s (%d events, %s)\n", tr.TransactionID, tr.Events, tr.RebuiltStatus)
				continue
			}
			fmt.Fprintf(w, "✗ %s (%d events)\n", tr.TransactionID, tr.Events)
			for _, d := range tr.Drift {
				fmt.Fprintf(w, "  %s\n", d)
			}
		}
		fmt.Fprintf(w, "\nReplay Summary: %d replayed, %d drifted\n", result.Total, result.Drifted)
	}

	if result.Drifted > 0 {
		return out.Fail(ExitFailure, CodeDrift, fmt.Sprintf("%d transaction(s) drifted", result.Drifted), result, text)
	}
	return out.Print(result, text)
}

// replayTransaction folds the journal of id and compares it with the stored
// view. A missing stored view compares as the zero view.
func replayTransaction(ctx context.Context, st *store.Store, id string) (ReplayTransactionResult, error) {
	events, err := st.ListEvents(ctx, id)
	if err != nil {
		return ReplayTransactionResult{}, err
	}
	stored, err := st.FindByTransactionID(ctx, id)
	if err != nil && !errors.Is(err, view.ErrNotFound) {
		return ReplayTransactionResult{}, err
	}

	rebuilt, _ := projector.Fold(id, events)
	return ReplayTransactionResult{
		TransactionID: id,
		Events:        len(events),
		StoredStatus:  string(stored.Status),
		RebuiltStatus: string(rebuilt.Status),
		Drift:         projector.Drift(stored, rebuilt),
	}, nil
}
