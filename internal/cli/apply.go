package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/txlife/internal/feed"
	"github.com/roach88/txlife/internal/projector"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Database string
}

// ApplyLine is the result of one input line.
type ApplyLine struct {
	Line          string `json:"line"`
	TransactionID string `json:"transaction_id,omitempty"`
	Code          string `json:"code,omitempty"`
	Seq           int64  `json:"seq,omitempty"`
	Result        string `json:"result,omitempty"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ApplyResult holds the per-line results of an apply run.
type ApplyResult struct {
	Lines   []ApplyLine `json:"lines"`
	Applied int         `json:"applied"`
	Errors  int         `json:"errors"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <events.jsonl>",
		Short: "Apply events from a file synchronously",
		Long: `Apply events from a JSON-lines file one at a time, in file order, and
print what the projector did with each.

Each line is a queue envelope {"event": {...}, "tracingInfo": {...}} or a
bare event object.

Exit codes:
  0 - Every line was processed (rejections are reported, not errors)
  1 - One or more lines were malformed or failed to apply
  2 - Command error (file or database not found, etc.)

Examples:
  txlife apply --db ./txlife.db ./events.jsonl
  txlife apply --db ./txlife.db ./events.jsonl --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runApply(opts *ApplyOptions, path string, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd)
	out := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}

	src, err := feed.OpenFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open events file", err)
	}
	defer src.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	p := projector.New(st, projector.WithJournal(st), projector.WithLogger(logger))
	ctx := context.Background()
	result := ApplyResult{Lines: []ApplyLine{}}

	for {
		del, err := src.Receive(ctx)
		if errors.Is(err, feed.ErrClosed) {
			break
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read events file", err)
		}

		line := ApplyLine{Line: del.ID}
		if del.Err != nil {
			line.Error = del.Err.Error()
			result.Errors++
			result.Lines = append(result.Lines, line)
			continue
		}

		ev := del.Event
		line.TransactionID = ev.TransactionID
		line.Code = ev.Code.String()
		line.Seq = ev.SequenceNumber

		res, err := p.Apply(ctx, ev)
		if err != nil {
			line.Error = err.Error()
			result.Errors++
		} else {
			line.Result = res.String()
			line.Status = string(res.View.Status)
			if res.Outcome == projector.OutcomeApplied {
				result.Applied++
			}
		}
		out.VerboseLog("line %s: %s seq %d -> %s", line.Line, line.Code, line.Seq, line.Result)
		result.Lines = append(result.Lines, line)
	}

	text := func(w io.Writer) {
		for _, l := range result.Lines {
			if l.Error != "" {
				fmt.Fprintf(w, "✗ line %s: %s\n", l.Line, l.Error)
				continue
			}
			fmt.Fprintf(w, "  line %s: %s %s seq=%d -> %s", l.Line, l.TransactionID, l.Code, l.Seq, l.Result)
			if l.Status != "" {
				fmt.Fprintf(w, " [%s]", l.Status)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "\nApplied %d of %d line(s)\n", result.Applied, len(result.Lines))
	}

	if result.Errors > 0 {
		return out.Fail(ExitFailure, CodeDispatch, fmt.Sprintf("%d line(s) failed", result.Errors), result, text)
	}
	return out.Print(result, text)
}
