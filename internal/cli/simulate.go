package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/txlife/internal/dispatcher"
	"github.com/roach88/txlife/internal/feed"
	"github.com/roach88/txlife/internal/lifecycle"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Database     string
	Transactions int
	Duplicates   bool
	Workers      int
}

// SimulateResult is the summary of a simulation.
type SimulateResult struct {
	Transactions int              `json:"transactions"`
	Deliveries   int              `json:"deliveries"`
	Stats        dispatcher.Stats `json:"stats"`
	Statuses     []StatusCount    `json:"statuses"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive synthetic transactions through the dispatcher",
		Long: `Generate synthetic transactions with UUIDv7 ids, cycling through the
authorized, denied, expired and closure-failed lifecycles, and push them
through the dispatcher into the view database.

With --duplicates every event is delivered a second time in reverse order,
which the projector must absorb without changing any view.

Examples:
  txlife simulate --db ./sim.db --transactions 1000
  txlife simulate --db ./sim.db --transactions 200 --duplicates --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().IntVar(&opts.Transactions, "transactions", 100, "number of synthetic transactions")
	cmd.Flags().BoolVar(&opts.Duplicates, "duplicates", false, "redeliver every event in reverse order")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of dispatcher shards (default from config)")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd)
	out := newFormatter(opts.RootOptions, cmd)

	if opts.Transactions <= 0 {
		return NewExitError(ExitCommandError, "--transactions must be positive")
	}

	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	events := feed.Synthesize(feed.UUIDv7Generator{}, opts.Transactions, time.Now().UTC())
	src := feed.NewMemory()
	for _, ev := range events {
		src.Push(ev)
	}
	if opts.Duplicates {
		for i := len(events) - 1; i >= 0; i-- {
			src.Push(events[i])
		}
	}
	deliveries := src.Len()
	src.Close()

	d, err := newDispatcher(src, st, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid dispatcher configuration", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out.VerboseLog("simulating %d transactions (%d deliveries)", opts.Transactions, deliveries)
	runErr := d.Run(ctx)

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count views", err)
	}
	result := SimulateResult{
		Transactions: opts.Transactions,
		Deliveries:   deliveries,
		Stats:        d.Stats(),
		Statuses:     []StatusCount{},
	}
	for _, s := range lifecycle.Statuses() {
		if n := counts[s]; n > 0 {
			result.Statuses = append(result.Statuses, StatusCount{Status: string(s), Count: n})
		}
	}

	text := func(w io.Writer) {
		fmt.Fprintf(w, "Simulated %d transactions, %d deliveries\n", result.Transactions, result.Deliveries)
		printStats(w, result.Stats)
		fmt.Fprintln(w, "\nViews by status:")
		for _, r := range result.Statuses {
			fmt.Fprintf(w, "  %-24s %d\n", r.Status, r.Count)
		}
	}

	switch {
	case runErr != nil:
		return out.Fail(ExitFailure, CodeDispatch, fmt.Sprintf("dispatcher stopped: %v", runErr), result, text)
	case result.Stats.Fatal > 0:
		return out.Fail(ExitFailure, CodeDispatch, fmt.Sprintf("%d delivery(ies) failed fatally", result.Stats.Fatal), result, text)
	}
	return out.Print(result, text)
}
