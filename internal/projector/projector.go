// Package projector folds transaction events into the view store.
//
// Apply is the only write path for views. For each event it:
//
//  1. loads the view (or starts a fresh one for a creating event),
//  2. skips events whose sequence number was already applied,
//  3. rejects sequence gaps,
//  4. asks the lifecycle whether the transition is allowed,
//  5. performs exactly one conditional save guarded by the loaded version.
//
// A lost compare-and-swap is reported as OutcomeConflict, never retried
// here and never overwritten: the caller reloads and tries again.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/view"
)

const tracerName = "github.com/roach88/txlife/internal/projector"

// Outcome classifies the result of Apply.
type Outcome string

const (
	OutcomeApplied  Outcome = "APPLIED"
	OutcomeSkipped  Outcome = "SKIPPED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeConflict Outcome = "CONFLICT"
)

// Result is what Apply did with one event.
//
// View is the stored view after the call for Applied, and the view as loaded
// for Skipped, Rejected and Conflict (zero for UNKNOWN_TRANSACTION).
type Result struct {
	Outcome Outcome              `json:"outcome"`
	Reason  lifecycle.Reason     `json:"reason,omitempty"`
	View    view.TransactionView `json:"view"`
}

func (r Result) String() string {
	if r.Reason != lifecycle.ReasonNone {
		return fmt.Sprintf("%s(%s)", r.Outcome, r.Reason)
	}
	return string(r.Outcome)
}

// Journal records events after they have been applied. Implementations
// must be idempotent on (transaction id, sequence number).
type Journal interface {
	Append(ctx context.Context, ev event.Event) error
}

// AtomicJournal is a Journal that can write the view and journal its event
// in one transaction. When the journal passed to WithJournal implements it,
// Apply uses SaveAndAppend instead of Repository.Save followed by Append, so
// the journal can never lag the view. It must write to the same storage as
// the projector's repository.
type AtomicJournal interface {
	Journal
	SaveAndAppend(ctx context.Context, v view.TransactionView, expectedVersion int64, ev event.Event) (int64, error)
}

// Option configures a Projector.
type Option func(*Projector)

// WithJournal records every applied event in j: atomically with the view
// write when j is an AtomicJournal, right after it otherwise.
func WithJournal(j Journal) Option {
	return func(p *Projector) { p.journal = j }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Projector) { p.logger = l }
}

// WithNow overrides the clock used for the informational UpdatedAt field.
func WithNow(now func() time.Time) Option {
	return func(p *Projector) { p.now = now }
}

// Projector applies events to a view repository.
// It holds no per-transaction state and is safe for concurrent use.
type Projector struct {
	repo    view.Repository
	journal Journal
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

// New creates a Projector writing to repo.
func New(repo view.Repository, opts ...Option) *Projector {
	p := &Projector{
		repo:   repo,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply applies one event. Lifecycle and ordering problems are reported in
// the Result; the returned error is reserved for storage failures and
// malformed events.
func (p *Projector) Apply(ctx context.Context, ev event.Event) (res Result, err error) {
	ctx, span := p.tracer.Start(ctx, "projector.Apply", trace.WithAttributes(
		attribute.String("transaction.id", ev.TransactionID),
		attribute.String("event.code", ev.Code.String()),
		attribute.Int64("event.seq", ev.SequenceNumber),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("apply.outcome", res.String()))
		}
		span.End()
	}()

	if err := ev.Validate(); err != nil {
		return Result{}, fmt.Errorf("apply: %w", err)
	}
	ev.TransactionID = event.NormalizeID(ev.TransactionID)

	current, err := p.load(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if !current.Exists() && !ev.Code.Creates() {
		return rejected(current, lifecycle.ReasonUnknownTransaction), nil
	}

	if r, done := checkSequence(current, ev); done {
		p.logger.Debug("event not applied",
			"transaction_id", ev.TransactionID,
			"code", ev.Code,
			"seq", ev.SequenceNumber,
			"last_applied", current.LastAppliedSequenceNumber,
			"result", r.String(),
		)
		return r, nil
	}

	decision := lifecycle.Decide(current.Status, ev)
	if !decision.Accepted() {
		return rejected(current, decision.Reason), nil
	}

	// Nothing has been written yet; a cancelled caller leaves no trace.
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("apply %s seq %d: %w", ev.TransactionID, ev.SequenceNumber, err)
	}

	next := current.Advance(decision.To, ev.SequenceNumber, p.now())
	version, err := p.save(ctx, next, current.Version, ev)
	if errors.Is(err, view.ErrVersionConflict) {
		p.logger.Debug("view version conflict",
			"transaction_id", ev.TransactionID,
			"seq", ev.SequenceNumber,
			"expected_version", current.Version,
		)
		return Result{Outcome: OutcomeConflict, View: current}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("save view %s: %w", ev.TransactionID, err)
	}
	next.Version = version

	if _, atomic := p.journal.(AtomicJournal); p.journal != nil && !atomic {
		// The view is already committed: the append must survive the
		// caller's cancellation, and a journal failure must not turn an
		// applied event into a retry that would then be skipped.
		if jerr := p.journal.Append(context.WithoutCancel(ctx), ev); jerr != nil {
			p.logger.Error("journal append failed",
				"transaction_id", ev.TransactionID,
				"seq", ev.SequenceNumber,
				"error", jerr,
			)
		}
	}

	p.logger.Info("event applied",
		"transaction_id", ev.TransactionID,
		"code", ev.Code,
		"seq", ev.SequenceNumber,
		"from", current.Status,
		"to", next.Status,
		"version", next.Version,
	)
	return Result{Outcome: OutcomeApplied, View: next}, nil
}

// save writes next, journaling ev in the same transaction when the journal
// supports it.
func (p *Projector) save(ctx context.Context, next view.TransactionView, expectedVersion int64, ev event.Event) (int64, error) {
	if aj, ok := p.journal.(AtomicJournal); ok {
		return aj.SaveAndAppend(ctx, next, expectedVersion, ev)
	}
	return p.repo.Save(ctx, next, expectedVersion)
}

// load returns the stored view, or a fresh one when none exists.
func (p *Projector) load(ctx context.Context, ev event.Event) (view.TransactionView, error) {
	v, err := p.repo.FindByTransactionID(ctx, ev.TransactionID)
	if errors.Is(err, view.ErrNotFound) {
		return view.Fresh(ev.TransactionID), nil
	}
	if err != nil {
		return view.TransactionView{}, fmt.Errorf("load view %s: %w", ev.TransactionID, err)
	}
	return v, nil
}

// checkSequence enforces idempotence and gap detection.
// It reports done=true when the event must not reach the lifecycle.
func checkSequence(current view.TransactionView, ev event.Event) (Result, bool) {
	last := current.LastAppliedSequenceNumber
	switch {
	case ev.SequenceNumber <= last:
		return Result{Outcome: OutcomeSkipped, Reason: lifecycle.ReasonAlreadyApplied, View: current}, true
	case ev.SequenceNumber > last+1:
		return rejected(current, lifecycle.ReasonOutOfOrder), true
	}
	return Result{}, false
}

func rejected(current view.TransactionView, reason lifecycle.Reason) Result {
	if !current.Exists() {
		current = view.TransactionView{}
	}
	return Result{Outcome: OutcomeRejected, Reason: reason, View: current}
}
