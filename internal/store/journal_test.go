package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlife/internal/dispatcher"
	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/feed"
	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/projector"
	"github.com/roach88/txlife/internal/testutil"
	"github.com/roach88/txlife/internal/view"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppend_IdempotentAndOrdered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	events := testutil.HappyPath("tx")

	// Append out of order and twice; reads come back by sequence number.
	for i := len(events) - 1; i >= 0; i-- {
		require.NoError(t, s.Append(ctx, events[i]))
		require.NoError(t, s.Append(ctx, events[i]))
	}

	got, err := s.ListEvents(ctx, "tx")
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i, ev := range got {
		assert.Equal(t, events[i].SequenceNumber, ev.SequenceNumber)
		assert.Equal(t, events[i].Code, ev.Code)
		assert.True(t, events[i].OccurredAt.Equal(ev.OccurredAt))
	}
	assert.JSONEq(t, `{"outcome":"OK"}`, string(got[3].Payload))
	assert.Nil(t, got[0].Payload)
}

func TestAppend_RejectsInvalidPayload(t *testing.T) {
	s := createTestStore(t)
	ev := testutil.Event("tx", 1, event.ActivationRequested)
	ev.Payload = []byte(`{broken`)

	require.Error(t, s.Append(context.Background(), ev))
}

func TestListEvents_Empty(t *testing.T) {
	s := createTestStore(t)

	got, err := s.ListEvents(context.Background(), "none")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestProjector_OnSQLite_ReplayHasNoDrift(t *testing.T) {
	s := createTestStore(t)
	p := projector.New(s, projector.WithJournal(s), projector.WithLogger(discardLogger()))
	ctx := context.Background()

	deliveries := append(testutil.HappyPath("tx-sql"),
		testutil.Event("tx-sql", 2, event.Activated),
		testutil.Event("tx-sql", 9, event.Expired),
	)
	for _, ev := range deliveries {
		_, err := p.Apply(ctx, ev)
		require.NoError(t, err)
	}

	stored, err := s.FindByTransactionID(ctx, "tx-sql")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusReceiptAdded, stored.Status)
	assert.Equal(t, int64(6), stored.Version)

	journal, err := s.ListEvents(ctx, "tx-sql")
	require.NoError(t, err)
	require.Len(t, journal, 6)

	rebuilt, _ := projector.Fold("tx-sql", journal)
	assert.Empty(t, projector.Drift(stored, rebuilt))
}

func TestProjector_OnSQLite_ScenarioD(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := projector.New(s, projector.WithLogger(discardLogger()))
	stream := testutil.NewStream("tx-d")
	for _, code := range []event.Code{event.ActivationRequested, event.Activated, event.AuthorizationRequested} {
		_, err := p.Apply(ctx, stream.Next(code))
		require.NoError(t, err)
	}

	loaded, err := s.FindByTransactionID(ctx, "tx-d")
	require.NoError(t, err)
	require.Equal(t, int64(3), loaded.Version)

	// Writer A commits first.
	_, err = s.Save(ctx, loaded.Advance(lifecycle.StatusAuthorized, 4, time.Now()), loaded.Version)
	require.NoError(t, err)

	// Writer B, still holding version 3, loses.
	_, err = s.Save(ctx, loaded.Advance(lifecycle.StatusExpired, 4, time.Now()), loaded.Version)
	require.ErrorIs(t, err, view.ErrVersionConflict)

	// On retry the projector sees seq 4 as already applied.
	res, err := p.Apply(ctx, stream.At(4, event.Expired))
	require.NoError(t, err)
	assert.Equal(t, projector.OutcomeSkipped, res.Outcome)
	assert.Equal(t, lifecycle.StatusAuthorized, res.View.Status)
}

func TestDeadLetters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bad := feed.Delivery{ID: "1", Body: []byte(`garbage`)}
	fe := &dispatcher.FatalError{Code: dispatcher.FatalMalformed, DeliveryID: "1", Err: errors.New("malformed JSON")}
	require.NoError(t, s.DeadLetter(ctx, bad, fe))

	stale := feed.Delivery{ID: "2", Event: testutil.Event("tx", 3, event.ClosureSent)}
	require.NoError(t, s.DeadLetter(ctx, stale, errors.New("plain failure")))

	all, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2", all[0].DeliveryID, "newest first")
	assert.Equal(t, "UNKNOWN", all[0].FatalCode)
	assert.Equal(t, "tx", all[0].TransactionID)
	assert.Equal(t, int64(3), all[0].SequenceNumber)
	assert.Equal(t, "", all[0].Body)
	assert.Equal(t, string(dispatcher.FatalMalformed), all[1].FatalCode)
	assert.Equal(t, "garbage", all[1].Body)
	assert.Contains(t, all[1].Error, "malformed JSON")

	one, err := s.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestAnomalyRecorder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := s.Anomalies(discardLogger())

	rejectedEv := testutil.Event("tx-a", 7, event.UserReceiptAdded)
	rec.Rejected(ctx, rejectedEv, projector.Result{
		Outcome: projector.OutcomeRejected,
		Reason:  lifecycle.ReasonOutOfOrder,
	})
	rec.Conflict(ctx, testutil.Event("tx-a", 2, event.Activated), 3)
	rec.Fatal(ctx, feed.Delivery{ID: "9", Body: []byte("x")}, &dispatcher.FatalError{
		Code: dispatcher.FatalMalformed,
		Err:  errors.New("bad body"),
	})

	forTx, err := s.ListAnomalies(ctx, "tx-a")
	require.NoError(t, err)
	require.Len(t, forTx, 2)
	assert.Equal(t, AnomalyRejected, forTx[0].Kind)
	assert.Equal(t, string(lifecycle.ReasonOutOfOrder), forTx[0].Reason)
	assert.Equal(t, "TRANSACTION_USER_RECEIPT_ADDED_EVENT", forTx[0].EventCode)
	assert.Equal(t, AnomalyConflict, forTx[1].Kind)
	assert.Equal(t, 3, forTx[1].Attempt)

	all, err := s.ListAnomalies(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, AnomalyFatal, all[2].Kind)
	assert.Equal(t, "", all[2].EventCode)
	assert.Equal(t, string(dispatcher.FatalMalformed), all[2].Reason)
}

func TestDispatcher_OnSQLite(t *testing.T) {
	s := createTestStore(t)
	src := feed.NewMemory()
	events := feed.Synthesize(feed.NewFixedGenerator("a", "b", "c", "d"), 4, testutil.BaseTime)
	for _, ev := range events {
		src.Push(ev)
	}
	src.Push(events[0])
	src.PushBody([]byte(`{"nope":true}`))
	src.Close()

	p := projector.New(s, projector.WithJournal(s), projector.WithLogger(discardLogger()))
	cfg := dispatcher.DefaultConfig()
	cfg.Workers = 3
	d, err := dispatcher.New(src, p, cfg,
		dispatcher.WithLogger(discardLogger()),
		dispatcher.WithReporter(s.Anomalies(discardLogger())),
		dispatcher.WithFailureHandler(s),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	stats := d.Stats()
	assert.Equal(t, int64(len(events)), stats.Applied)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(1), stats.DeadLettered)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[lifecycle.StatusReceiptAdded])
	assert.Equal(t, 1, counts[lifecycle.StatusExpired])
	assert.Equal(t, 1, counts[lifecycle.StatusTerminalError])

	letters, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, string(dispatcher.FatalMalformed), letters[0].FatalCode)
}

func TestSaveAndAppend_WritesViewAndEventTogether(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ev := testutil.Event("tx", 1, event.ActivationRequested)

	version, err := s.SaveAndAppend(ctx, testView("tx", lifecycle.StatusActivationRequested, 1, 1), 0, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	stored, err := s.FindByTransactionID(ctx, "tx")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActivationRequested, stored.Status)

	journal, err := s.ListEvents(ctx, "tx")
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, event.ActivationRequested, journal[0].Code)
}

func TestSaveAndAppend_ConflictJournalsNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedToVersion(t, s, "tx", 2)

	_, err := s.SaveAndAppend(ctx, testView("tx", lifecycle.StatusAuthorizationRequested, 3, 3), 1,
		testutil.Event("tx", 3, event.AuthorizationRequested))
	require.ErrorIs(t, err, view.ErrVersionConflict)

	journal, err := s.ListEvents(ctx, "tx")
	require.NoError(t, err)
	assert.Empty(t, journal)
}

func TestSaveAndAppend_JournalFailureRollsBackView(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ev := testutil.Event("tx", 1, event.ActivationRequested)
	ev.Payload = []byte(`{broken`)

	_, err := s.SaveAndAppend(ctx, testView("tx", lifecycle.StatusActivationRequested, 1, 1), 0, ev)
	require.Error(t, err)

	_, err = s.FindByTransactionID(ctx, "tx")
	assert.ErrorIs(t, err, view.ErrNotFound)
}

func TestSaveAndAppend_CancelledContextWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SaveAndAppend(ctx, testView("tx", lifecycle.StatusActivationRequested, 1, 1), 0,
		testutil.Event("tx", 1, event.ActivationRequested))
	require.Error(t, err)

	_, err = s.FindByTransactionID(context.Background(), "tx")
	assert.ErrorIs(t, err, view.ErrNotFound)
	journal, err := s.ListEvents(context.Background(), "tx")
	require.NoError(t, err)
	assert.Empty(t, journal)
}

// cancelAfterSave cancels the apply context as soon as a view write commits.
type cancelAfterSave struct {
	*Store
	cancel context.CancelFunc
}

func (c cancelAfterSave) SaveAndAppend(ctx context.Context, v view.TransactionView, expectedVersion int64, ev event.Event) (int64, error) {
	version, err := c.Store.SaveAndAppend(ctx, v, expectedVersion, ev)
	if err == nil && v.LastAppliedSequenceNumber == 2 {
		c.cancel()
	}
	return version, err
}

func TestProjector_OnSQLite_CancelAfterCommitKeepsJournal(t *testing.T) {
	s := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j := cancelAfterSave{Store: s, cancel: cancel}
	p := projector.New(s, projector.WithJournal(j), projector.WithLogger(discardLogger()))

	events := testutil.HappyPath("tx-cancel")
	for _, ev := range events[:2] {
		_, err := p.Apply(ctx, ev)
		require.NoError(t, err)
	}
	require.Error(t, ctx.Err())

	// Redelivery after the cancellation finishes the stream.
	resume := projector.New(s, projector.WithJournal(s), projector.WithLogger(discardLogger()))
	for _, ev := range events {
		_, err := resume.Apply(context.Background(), ev)
		require.NoError(t, err)
	}

	stored, err := s.FindByTransactionID(context.Background(), "tx-cancel")
	require.NoError(t, err)
	journal, err := s.ListEvents(context.Background(), "tx-cancel")
	require.NoError(t, err)
	require.Len(t, journal, len(events))

	rebuilt, _ := projector.Fold("tx-cancel", journal)
	assert.Equal(t, lifecycle.StatusReceiptAdded, rebuilt.Status)
	assert.Empty(t, projector.Drift(stored, rebuilt))
}

func TestListTransactionIDs_IncludesJournalOnlyTransactions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustSave(t, s, testView("b-view-only", lifecycle.StatusActivated, 1, 1))
	require.NoError(t, s.Append(ctx, testutil.Event("a-journal-only", 1, event.ActivationRequested)))
	p := projector.New(s, projector.WithJournal(s), projector.WithLogger(discardLogger()))
	_, err := p.Apply(ctx, testutil.Event("c-both", 1, event.ActivationRequested))
	require.NoError(t, err)

	ids, err := s.ListTransactionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-journal-only", "b-view-only", "c-both"}, ids)
}
