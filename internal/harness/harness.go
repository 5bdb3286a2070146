package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/projector"
	"github.com/roach88/txlife/internal/testutil"
	"github.com/roach88/txlife/internal/view"
)

// Harness is the scenario execution engine.
// It applies scenario steps through a projector over an in-memory repository.
type Harness struct {
	repo      *view.MemoryRepository
	projector *projector.Projector
	logger    *slog.Logger
	seen      map[string]bool
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh repository. Execution flow:
// 1. Apply setup steps, failing the run if any is not applied
// 2. Apply event steps, checking expect clauses
// 3. Collect final views
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	repo := view.NewMemoryRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		repo: repo,
		projector: projector.New(repo,
			projector.WithLogger(logger),
			projector.WithNow(func() time.Time { return testutil.BaseTime }),
		),
		logger: logger,
		seen:   make(map[string]bool),
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeEvents(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to execute events: %w", err)
	}
	if err := h.collectViews(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to collect views: %w", err)
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, scenario.Transaction) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) executeSetup(ctx context.Context, scenario *Scenario, result *Result) error {
	for i, step := range scenario.Setup {
		res, ev, err := h.apply(ctx, scenario.Transaction, step)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		if res.Outcome != projector.OutcomeApplied {
			return fmt.Errorf("setup step %d: %s seq %d was %s", i, ev.Code, ev.SequenceNumber, res)
		}
		result.Trace = append(result.Trace, traceEvent(PhaseSetup, ev, res))
	}
	return nil
}

func (h *Harness) executeEvents(ctx context.Context, scenario *Scenario, result *Result) error {
	for i, step := range scenario.Events {
		res, ev, err := h.apply(ctx, scenario.Transaction, step)
		if err != nil {
			return fmt.Errorf("event step %d: %w", i, err)
		}
		te := traceEvent(PhaseEvents, ev, res)
		result.Trace = append(result.Trace, te)

		if step.Expect != nil {
			for _, msg := range checkExpect(step.Expect, te) {
				result.AddError(fmt.Sprintf("events[%d] (%s seq %d): %s", i, ev.Code, ev.SequenceNumber, msg))
			}
		}

		h.logger.Info("event step completed",
			"step", i,
			"transaction_id", ev.TransactionID,
			"code", ev.Code,
			"result", res.String(),
		)
	}
	return nil
}

func (h *Harness) apply(ctx context.Context, defaultTx string, step EventStep) (projector.Result, event.Event, error) {
	ev, err := buildEvent(defaultTx, step)
	if err != nil {
		return projector.Result{}, ev, err
	}
	h.seen[event.NormalizeID(ev.TransactionID)] = true
	res, err := h.projector.Apply(ctx, ev)
	return res, ev, err
}

func (h *Harness) collectViews(ctx context.Context, result *Result) error {
	ids := make([]string, 0, len(h.seen))
	for id := range h.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v, err := h.repo.FindByTransactionID(ctx, id)
		if errors.Is(err, view.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		result.Views = append(result.Views, FinalView{
			TransactionID: v.TransactionID,
			Status:        string(v.Status),
			LastApplied:   v.LastAppliedSequenceNumber,
			Version:       v.Version,
		})
	}
	return nil
}

// buildEvent converts a step to an event. The timestamp derives from the
// sequence number so runs are reproducible.
func buildEvent(defaultTx string, step EventStep) (event.Event, error) {
	tx := step.Transaction
	if tx == "" {
		tx = defaultTx
	}
	code, err := event.ParseCode(step.Code)
	if err != nil {
		return event.Event{}, err
	}
	ev := testutil.Event(tx, step.Seq, code)
	if step.Payload != nil {
		payload, err := json.Marshal(step.Payload)
		if err != nil {
			return event.Event{}, fmt.Errorf("encode payload: %w", err)
		}
		ev.Payload = payload
	}
	return ev, nil
}

func traceEvent(phase string, ev event.Event, res projector.Result) TraceEvent {
	return TraceEvent{
		Phase:         phase,
		TransactionID: event.NormalizeID(ev.TransactionID),
		Code:          ev.Code.String(),
		Seq:           ev.SequenceNumber,
		Outcome:       string(res.Outcome),
		Reason:        string(res.Reason),
		Status:        string(res.View.Status),
		Version:       res.View.Version,
	}
}
