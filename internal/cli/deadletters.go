package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// DeadLettersOptions holds flags for the deadletters command.
type DeadLettersOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// NewDeadLettersCommand creates the deadletters command.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLettersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered deliveries",
		Long: `List deliveries the dispatcher gave up on, newest first.

Examples:
  txlife deadletters --db ./txlife.db
  txlife deadletters --db ./txlife.db --limit 0 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetters(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of entries (0 for all)")

	return cmd
}

func runDeadLetters(opts *DeadLettersOptions, cmd *cobra.Command) error {
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

	letters, err := st.ListDeadLetters(context.Background(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list dead letters", err)
	}

	return out.Print(letters, func(w io.Writer) {
		if len(letters) == 0 {
			fmt.Fprintln(w, "No dead letters.")
			return
		}
		for _, dl := range letters {
			fmt.Fprintf(w, "#%d  %s  delivery=%s  %s\n",
				dl.ID, dl.CreatedAt.Format(time.RFC3339), dl.DeliveryID, dl.FatalCode)
			if dl.TransactionID != "" {
				fmt.Fprintf(w, "    transaction: %s seq=%d\n", dl.TransactionID, dl.SequenceNumber)
			}
			fmt.Fprintf(w, "    error: %s\n", dl.Error)
		}
	})
}
