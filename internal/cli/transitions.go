package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/txlife/internal/lifecycle"
)

// TransitionRow is one accepted transition.
type TransitionRow struct {
	From string `json:"from"`
	Code string `json:"code"`
	To   string `json:"to"`
}

// NewTransitionsCommand creates the transitions command.
func NewTransitionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transitions",
		Short: "Print the lifecycle transition table",
		Long: `Print every accepted (status, event code) transition.

Any pair not listed is rejected: terminal statuses with ALREADY_TERMINAL,
creating events past creation with OUT_OF_ORDER, everything else with
UNKNOWN_TRANSITION. An authorization update carrying a KO outcome moves
to DENIED instead of AUTHORIZED.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			edges := lifecycle.Table()
			rows := make([]TransitionRow, len(edges))
			for i, e := range edges {
				rows[i] = TransitionRow{From: string(e.From), Code: e.Code.String(), To: string(e.To)}
			}
			return newFormatter(rootOpts, cmd).Print(rows, func(w io.Writer) {
				for _, r := range rows {
					fmt.Fprintf(w, "%-24s %-48s -> %s\n", r.From, r.Code, r.To)
				}
			})
		},
	}
}
