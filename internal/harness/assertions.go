package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/txlife/internal/event"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, te := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s seq=%d -> %s", i+1, te.TransactionID, te.Code, te.Seq, te.Outcome)
			if te.Reason != "" {
				fmt.Fprintf(&buf, "(%s)", te.Reason)
			}
			if te.Status != "" {
				fmt.Fprintf(&buf, " %s v%d", te.Status, te.Version)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// checkExpect compares one trace entry with its expect clause and returns
// a message per mismatch.
func checkExpect(e *ExpectClause, te TraceEvent) []string {
	var msgs []string
	if te.Outcome != e.Outcome {
		msgs = append(msgs, fmt.Sprintf("expected outcome %s, got %s", e.Outcome, te.Outcome))
	}
	if te.Reason != e.Reason {
		msgs = append(msgs, fmt.Sprintf("expected reason %q, got %q", e.Reason, te.Reason))
	}
	if e.Status != "" && te.Status != e.Status {
		msgs = append(msgs, fmt.Sprintf("expected status %s, got %q", e.Status, te.Status))
	}
	return msgs
}

// assertFinalState compares the final view of a transaction with the
// expectation (subset match).
func assertFinalState(result *Result, a Assertion, tx string) error {
	v, found := result.View(tx)
	want := a.Expect

	if want.Absent {
		if found {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("no view for %s", tx),
				Actual:   fmt.Sprintf("view %s v%d", v.Status, v.Version),
				Trace:    result.Trace,
			}
		}
		return nil
	}
	if !found {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("view for %s", tx),
			Actual:   "view not found",
			Trace:    result.Trace,
		}
	}

	var mismatches []string
	if want.Status != "" && v.Status != want.Status {
		mismatches = append(mismatches, fmt.Sprintf("status=%s (want %s)", v.Status, want.Status))
	}
	if want.Version != nil && v.Version != *want.Version {
		mismatches = append(mismatches, fmt.Sprintf("version=%d (want %d)", v.Version, *want.Version))
	}
	if want.LastApplied != nil && v.LastApplied != *want.LastApplied {
		mismatches = append(mismatches, fmt.Sprintf("last_applied=%d (want %d)", v.LastApplied, *want.LastApplied))
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("view for %s matching expect", tx),
			Actual:   strings.Join(mismatches, ", "),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertOutcomeCount checks that exactly Count trace entries have Outcome.
func assertOutcomeCount(result *Result, a Assertion) error {
	count := 0
	for _, te := range result.Trace {
		if te.Outcome == a.Outcome {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertOutcomeCount,
			Expected: fmt.Sprintf("%d %s results", a.Count, a.Outcome),
			Actual:   fmt.Sprintf("%d %s results", count, a.Outcome),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertStatusPath checks the statuses a transaction moved through.
// Only applied entries count; the path includes setup.
func assertStatusPath(result *Result, a Assertion, tx string) error {
	var path []string
	for _, te := range result.Trace {
		if te.TransactionID == tx && te.Outcome == "APPLIED" {
			path = append(path, te.Status)
		}
	}
	if strings.Join(path, ",") != strings.Join(a.Statuses, ",") {
		return &AssertionError{
			Type:     AssertStatusPath,
			Expected: strings.Join(a.Statuses, " -> "),
			Actual:   strings.Join(path, " -> "),
			Trace:    result.Trace,
		}
	}
	return nil
}

// EvaluateAssertions runs every assertion against result and returns the
// failure messages. defaultTx is used by assertions that do not name a
// transaction.
func EvaluateAssertions(result *Result, assertions []Assertion, defaultTx string) []string {
	var errs []string
	for i, a := range assertions {
		tx := a.Transaction
		if tx == "" {
			tx = defaultTx
		}
		tx = event.NormalizeID(tx)

		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(result, a, tx)
		case AssertOutcomeCount:
			err = assertOutcomeCount(result, a)
		case AssertStatusPath:
			err = assertStatusPath(result, a, tx)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
