package projector

import (
	"fmt"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/view"
)

// Fold replays events for one transaction in memory, using the same
// sequence and lifecycle rules as Apply, and returns the resulting view
// together with the per-event results.
//
// Replay and live projection share checkSequence and lifecycle.Decide, so a
// view rebuilt from the journal matches the stored view unless the store
// was modified outside the projector. UpdatedAt is left zero.
//
// Events for other transaction ids are rejected with UNKNOWN_TRANSACTION.
func Fold(transactionID string, events []event.Event) (view.TransactionView, []Result) {
	transactionID = event.NormalizeID(transactionID)
	current := view.Fresh(transactionID)
	results := make([]Result, 0, len(events))

	for _, ev := range events {
		if ev.Validate() != nil || event.NormalizeID(ev.TransactionID) != transactionID {
			results = append(results, rejected(current, lifecycle.ReasonUnknownTransaction))
			continue
		}
		if !current.Exists() && !ev.Code.Creates() {
			results = append(results, rejected(current, lifecycle.ReasonUnknownTransaction))
			continue
		}
		if r, done := checkSequence(current, ev); done {
			results = append(results, r)
			continue
		}
		decision := lifecycle.Decide(current.Status, ev)
		if !decision.Accepted() {
			results = append(results, rejected(current, decision.Reason))
			continue
		}
		current = current.Advance(decision.To, ev.SequenceNumber, current.UpdatedAt)
		results = append(results, Result{Outcome: OutcomeApplied, View: current})
	}

	if !current.Exists() {
		return view.TransactionView{}, results
	}
	return current, results
}

// Drift compares a stored view with one rebuilt by Fold. It ignores
// UpdatedAt and returns a description per differing field.
func Drift(stored, rebuilt view.TransactionView) []string {
	var diffs []string
	if stored.Status != rebuilt.Status {
		diffs = append(diffs, fmt.Sprintf("status: stored %s, rebuilt %s", stored.Status, rebuilt.Status))
	}
	if stored.LastAppliedSequenceNumber != rebuilt.LastAppliedSequenceNumber {
		diffs = append(diffs, fmt.Sprintf("lastAppliedSequenceNumber: stored %d, rebuilt %d",
			stored.LastAppliedSequenceNumber, rebuilt.LastAppliedSequenceNumber))
	}
	if stored.Version != rebuilt.Version {
		diffs = append(diffs, fmt.Sprintf("version: stored %d, rebuilt %d", stored.Version, rebuilt.Version))
	}
	return diffs
}
