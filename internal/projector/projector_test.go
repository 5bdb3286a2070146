package projector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/testutil"
	"github.com/roach88/txlife/internal/view"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestProjector(repo view.Repository, opts ...Option) *Projector {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(func() time.Time { return fixedNow }),
	}
	return New(repo, append(base, opts...)...)
}

func mustApply(t *testing.T, p *Projector, ev event.Event) Result {
	t.Helper()
	res, err := p.Apply(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func TestApply_ScenarioA_CreateActivateDuplicate(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)
	s := testutil.NewStream("tx-a")

	res := mustApply(t, p, s.Next(event.ActivationRequested))
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, lifecycle.StatusActivationRequested, res.View.Status)
	assert.Equal(t, int64(1), res.View.Version)
	assert.Equal(t, fixedNow, res.View.UpdatedAt)

	activated := s.Next(event.Activated)
	res = mustApply(t, p, activated)
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, lifecycle.StatusActivated, res.View.Status)
	assert.Equal(t, int64(2), res.View.LastAppliedSequenceNumber)

	before, err := repo.FindByTransactionID(context.Background(), "tx-a")
	require.NoError(t, err)

	res = mustApply(t, p, activated)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, lifecycle.ReasonAlreadyApplied, res.Reason)
	assert.Equal(t, lifecycle.StatusActivated, res.View.Status)

	after, err := repo.FindByTransactionID(context.Background(), "tx-a")
	require.NoError(t, err)
	assert.Equal(t, before, after, "skip must not write")
}

func TestApply_ScenarioB_UnknownTransitionLeavesViewUnchanged(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)
	s := testutil.NewStream("tx-b")

	for _, code := range []event.Code{
		event.ActivationRequested,
		event.Activated,
		event.AuthorizationRequested,
		event.AuthorizationStatusUpdated,
		event.ClosureSent,
	} {
		require.Equal(t, OutcomeApplied, mustApply(t, p, s.Next(code)).Outcome)
	}
	before, err := repo.FindByTransactionID(context.Background(), "tx-b")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusClosureSent, before.Status)

	res := mustApply(t, p, s.Next(event.AuthorizationRequested))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, lifecycle.ReasonUnknownTransition, res.Reason)

	after, err := repo.FindByTransactionID(context.Background(), "tx-b")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApply_ScenarioC_SequenceGapIsOutOfOrder(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)
	events := testutil.HappyPath("tx-c")
	for _, ev := range events[:5] {
		require.Equal(t, OutcomeApplied, mustApply(t, p, ev).Outcome)
	}
	before, err := repo.FindByTransactionID(context.Background(), "tx-c")
	require.NoError(t, err)
	require.Equal(t, int64(5), before.LastAppliedSequenceNumber)

	res := mustApply(t, p, testutil.Event("tx-c", 7, event.UserReceiptAdded))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, lifecycle.ReasonOutOfOrder, res.Reason)

	after, err := repo.FindByTransactionID(context.Background(), "tx-c")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// barrierRepo lets every loader read before any of them writes.
type barrierRepo struct {
	*view.MemoryRepository
	loaded sync.WaitGroup
}

func (r *barrierRepo) FindByTransactionID(ctx context.Context, id string) (view.TransactionView, error) {
	v, err := r.MemoryRepository.FindByTransactionID(ctx, id)
	r.loaded.Done()
	r.loaded.Wait()
	return v, err
}

func TestApply_ScenarioD_ConcurrentWritersOneConflict(t *testing.T) {
	mem := view.NewMemoryRepository()
	seed := newTestProjector(mem)
	s := testutil.NewStream("tx-d")
	for _, code := range []event.Code{event.ActivationRequested, event.Activated, event.AuthorizationRequested} {
		require.Equal(t, OutcomeApplied, mustApply(t, seed, s.Next(code)).Outcome)
	}

	repo := &barrierRepo{MemoryRepository: mem}
	repo.loaded.Add(2)
	p := newTestProjector(repo)

	candidates := []event.Event{
		s.At(4, event.AuthorizationStatusUpdated),
		s.At(4, event.Expired),
	}
	results := make([]Result, len(candidates))
	var wg sync.WaitGroup
	for i, ev := range candidates {
		wg.Add(1)
		go func(i int, ev event.Event) {
			defer wg.Done()
			res, err := p.Apply(context.Background(), ev)
			assert.NoError(t, err)
			results[i] = res
		}(i, ev)
	}
	wg.Wait()

	var applied, conflicts int
	for _, res := range results {
		switch res.Outcome {
		case OutcomeApplied:
			applied++
			assert.Equal(t, int64(4), res.View.Version)
		case OutcomeConflict:
			conflicts++
			assert.Equal(t, int64(3), res.View.Version)
		default:
			t.Fatalf("unexpected outcome %s", res)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, conflicts)

	final, err := mem.FindByTransactionID(context.Background(), "tx-d")
	require.NoError(t, err)
	assert.Equal(t, int64(4), final.Version)
}

func TestApply_NoLostUpdatesUnderRetry(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)
	s := testutil.NewStream("tx-race")
	mustApply(t, p, s.Next(event.ActivationRequested))
	mustApply(t, p, s.Next(event.Activated))

	// Every worker races to deliver a valid seq-3 event and retries on
	// conflict, as the dispatcher does.
	const workers = 12
	outcomes := make(chan Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := event.AuthorizationRequested
			if i%2 == 1 {
				code = event.Expired
			}
			ev := s.At(3, code)
			for {
				res, err := p.Apply(context.Background(), ev)
				if !assert.NoError(t, err) {
					return
				}
				if res.Outcome != OutcomeConflict {
					outcomes <- res
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for res := range outcomes {
		switch res.Outcome {
		case OutcomeApplied:
			applied++
		case OutcomeSkipped:
			assert.Equal(t, lifecycle.ReasonAlreadyApplied, res.Reason)
		default:
			t.Errorf("unexpected outcome %s", res)
		}
	}
	assert.Equal(t, 1, applied)

	final, err := repo.FindByTransactionID(context.Background(), "tx-race")
	require.NoError(t, err)
	assert.Equal(t, int64(3), final.Version)
	assert.Equal(t, int64(3), final.LastAppliedSequenceNumber)
}

func TestApply_IdempotentForever(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)
	events := testutil.HappyPath("tx-idem")
	for _, ev := range events {
		require.Equal(t, OutcomeApplied, mustApply(t, p, ev).Outcome)
	}

	for round := 0; round < 3; round++ {
		for _, ev := range events {
			res := mustApply(t, p, ev)
			assert.Equal(t, OutcomeSkipped, res.Outcome)
			assert.Equal(t, lifecycle.ReasonAlreadyApplied, res.Reason)
		}
	}
	final, err := repo.FindByTransactionID(context.Background(), "tx-idem")
	require.NoError(t, err)
	assert.Equal(t, int64(len(events)), final.Version)
	assert.Equal(t, lifecycle.StatusReceiptAdded, final.Status)
}

func TestApply_MonotonicProgression(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)
	id := "tx-mono"
	deliveries := []event.Event{
		testutil.Event(id, 1, event.ActivationRequested),
		testutil.Event(id, 1, event.ActivationRequested),
		testutil.Event(id, 3, event.AuthorizationRequested),
		testutil.Event(id, 2, event.Activated),
		testutil.Event(id, 2, event.Activated),
		testutil.Event(id, 1, event.ActivationRequested),
		testutil.Event(id, 3, event.AuthorizationRequested),
		testutil.Event(id, 5, event.ClosureSent),
		testutil.Event(id, 4, event.Expired),
		testutil.Event(id, 5, event.Activated),
	}

	var last int64
	for _, ev := range deliveries {
		res := mustApply(t, p, ev)
		if res.Outcome == OutcomeApplied {
			require.GreaterOrEqual(t, res.View.LastAppliedSequenceNumber, last)
			last = res.View.LastAppliedSequenceNumber
		}
		stored, err := repo.FindByTransactionID(context.Background(), id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, stored.LastAppliedSequenceNumber, last)
	}

	final, err := repo.FindByTransactionID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusExpired, final.Status)
	assert.Equal(t, int64(4), final.LastAppliedSequenceNumber)
}

func TestApply_UnknownTransaction(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)

	res := mustApply(t, p, testutil.Event("tx-ghost", 1, event.ClosureSent))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, lifecycle.ReasonUnknownTransaction, res.Reason)
	assert.Equal(t, view.TransactionView{}, res.View)
	assert.Equal(t, 0, repo.Len())
}

func TestApply_CreatingEventWithGap(t *testing.T) {
	p := newTestProjector(view.NewMemoryRepository())
	res := mustApply(t, p, testutil.Event("tx-late", 2, event.Activated))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, lifecycle.ReasonOutOfOrder, res.Reason)
}

func TestApply_ActivatedAsFirstEvent(t *testing.T) {
	p := newTestProjector(view.NewMemoryRepository())
	res := mustApply(t, p, testutil.Event("tx-direct", 1, event.Activated))
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, lifecycle.StatusActivated, res.View.Status)
}

func TestApply_AlreadyTerminal(t *testing.T) {
	p := newTestProjector(view.NewMemoryRepository())
	s := testutil.NewStream("tx-term")
	mustApply(t, p, s.Next(event.ActivationRequested))
	mustApply(t, p, s.Next(event.Expired))

	res := mustApply(t, p, s.Next(event.Activated))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, lifecycle.ReasonAlreadyTerminal, res.Reason)
	assert.Equal(t, lifecycle.StatusExpired, res.View.Status)
}

func TestApply_AuthorizationDenied(t *testing.T) {
	p := newTestProjector(view.NewMemoryRepository())
	s := testutil.NewStream("tx-ko")
	mustApply(t, p, s.Next(event.ActivationRequested))
	mustApply(t, p, s.Next(event.Activated))
	mustApply(t, p, s.Next(event.AuthorizationRequested))

	res := mustApply(t, p, s.NextWith(event.AuthorizationStatusUpdated, `{"outcome":"KO"}`))
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, lifecycle.StatusDenied, res.View.Status)
}

func TestApply_NormalizesTransactionID(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)

	mustApply(t, p, testutil.Event(" café ", 1, event.ActivationRequested))
	res := mustApply(t, p, testutil.Event("café", 2, event.Activated))
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, repo.Len())
}

func TestApply_InvalidEvent(t *testing.T) {
	p := newTestProjector(view.NewMemoryRepository())
	_, err := p.Apply(context.Background(), event.Event{TransactionID: "tx", Code: event.Activated})
	require.ErrorIs(t, err, event.ErrInvalidEvent)
}

type failingRepo struct {
	view.Repository
	findErr error
	saveErr error
}

func (r failingRepo) FindByTransactionID(ctx context.Context, id string) (view.TransactionView, error) {
	if r.findErr != nil {
		return view.TransactionView{}, r.findErr
	}
	return r.Repository.FindByTransactionID(ctx, id)
}

func (r failingRepo) Save(ctx context.Context, v view.TransactionView, expected int64) (int64, error) {
	if r.saveErr != nil {
		return 0, r.saveErr
	}
	return r.Repository.Save(ctx, v, expected)
}

func TestApply_StorageErrorsAreReturned(t *testing.T) {
	locked := view.Transient(errors.New("database is locked"))

	t.Run("load", func(t *testing.T) {
		p := newTestProjector(failingRepo{Repository: view.NewMemoryRepository(), findErr: locked})
		_, err := p.Apply(context.Background(), testutil.Event("tx", 1, event.ActivationRequested))
		require.Error(t, err)
		assert.True(t, view.IsTransient(err))
	})

	t.Run("save", func(t *testing.T) {
		p := newTestProjector(failingRepo{Repository: view.NewMemoryRepository(), saveErr: locked})
		_, err := p.Apply(context.Background(), testutil.Event("tx", 1, event.ActivationRequested))
		require.Error(t, err)
		assert.True(t, view.IsTransient(err))
	})
}

func TestApply_CancelledBeforeWrite(t *testing.T) {
	repo := view.NewMemoryRepository()
	p := newTestProjector(repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Apply(ctx, testutil.Event("tx", 1, event.ActivationRequested))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, repo.Len())
}

type recordingJournal struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (j *recordingJournal) Append(_ context.Context, ev event.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return j.err
}

func TestApply_JournalsOnlyAppliedEvents(t *testing.T) {
	j := &recordingJournal{}
	p := newTestProjector(view.NewMemoryRepository(), WithJournal(j))
	events := testutil.HappyPath("tx-j")

	for _, ev := range events {
		mustApply(t, p, ev)
	}
	// A duplicate and a gap must not reach the journal.
	mustApply(t, p, events[2])
	mustApply(t, p, testutil.Event("tx-j", 9, event.ClosureSent))

	require.Len(t, j.events, len(events))
	for i, ev := range j.events {
		assert.Equal(t, int64(i+1), ev.SequenceNumber)
	}
}

func TestApply_JournalFailureDoesNotUndoApply(t *testing.T) {
	j := &recordingJournal{err: errors.New("disk full")}
	p := newTestProjector(view.NewMemoryRepository(), WithJournal(j))

	res := mustApply(t, p, testutil.Event("tx", 1, event.ActivationRequested))
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "APPLIED", Result{Outcome: OutcomeApplied}.String())
	assert.Equal(t, "SKIPPED(ALREADY_APPLIED)", Result{Outcome: OutcomeSkipped, Reason: lifecycle.ReasonAlreadyApplied}.String())
}

// cancelOnSave cancels the apply context once the view write has committed.
type cancelOnSave struct {
	view.Repository
	cancel context.CancelFunc
}

func (r cancelOnSave) Save(ctx context.Context, v view.TransactionView, expected int64) (int64, error) {
	version, err := r.Repository.Save(ctx, v, expected)
	r.cancel()
	return version, err
}

// ctxJournal records the context state seen by each append.
type ctxJournal struct {
	events  []event.Event
	ctxErrs []error
}

func (j *ctxJournal) Append(ctx context.Context, ev event.Event) error {
	j.ctxErrs = append(j.ctxErrs, ctx.Err())
	if err := ctx.Err(); err != nil {
		return err
	}
	j.events = append(j.events, ev)
	return nil
}

func TestApply_JournalSurvivesCancellationAfterSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j := &ctxJournal{}
	p := newTestProjector(cancelOnSave{Repository: view.NewMemoryRepository(), cancel: cancel}, WithJournal(j))

	res, err := p.Apply(ctx, testutil.Event("tx", 1, event.ActivationRequested))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.Error(t, ctx.Err())

	require.Len(t, j.events, 1)
	assert.Equal(t, []error{nil}, j.ctxErrs)
}

// atomicJournal writes the view and the event through one call.
type atomicJournal struct {
	repo    view.Repository
	events  []event.Event
	appends int
}

func (j *atomicJournal) Append(context.Context, event.Event) error {
	j.appends++
	return nil
}

func (j *atomicJournal) SaveAndAppend(ctx context.Context, v view.TransactionView, expected int64, ev event.Event) (int64, error) {
	version, err := j.repo.Save(ctx, v, expected)
	if err != nil {
		return 0, err
	}
	j.events = append(j.events, ev)
	return version, nil
}

func TestApply_AtomicJournalReplacesSave(t *testing.T) {
	repo := view.NewMemoryRepository()
	j := &atomicJournal{repo: repo}
	// Save on the projector's repository must not be reached.
	p := newTestProjector(failingRepo{Repository: repo, saveErr: errors.New("unexpected save")}, WithJournal(j))

	events := testutil.HappyPath("tx-atomic")
	for _, ev := range events {
		mustApply(t, p, ev)
	}
	mustApply(t, p, events[1])

	require.Len(t, j.events, len(events))
	assert.Zero(t, j.appends)

	stored, err := repo.FindByTransactionID(context.Background(), "tx-atomic")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusReceiptAdded, stored.Status)
}
