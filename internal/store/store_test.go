package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/view"
)

// createTestStore opens a fresh database in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { s.Close() })
	return s
}

func testView(id string, status lifecycle.Status, seq, version int64) view.TransactionView {
	return view.TransactionView{
		TransactionID:             id,
		Status:                    status,
		LastAppliedSequenceNumber: seq,
		Version:                   version,
		UpdatedAt:                 time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"views", "events", "dead_letters", "anomalies"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.pragma, tt.want); err != nil {
			t.Error(err)
		}
	}
}

func TestOpen_MigrationCreatesIndex(t *testing.T) {
	s := createTestStore(t)

	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_anomalies_transaction'",
	).Scan(&name)
	if err != nil {
		t.Fatalf("migration index missing: %v", err)
	}
}

func TestFindByTransactionID_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.FindByTransactionID(context.Background(), "missing")
	if !errors.Is(err, view.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSave_InsertThenUpdate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v1 := testView("tx-1", lifecycle.StatusActivationRequested, 1, 1)
	version, err := s.Save(ctx, v1, 0)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}

	got, err := s.FindByTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if got.Status != v1.Status || got.Version != 1 || !got.UpdatedAt.Equal(v1.UpdatedAt) {
		t.Errorf("stored view = %+v, want %+v", got, v1)
	}

	v2 := testView("tx-1", lifecycle.StatusActivated, 2, 2)
	version, err = s.Save(ctx, v2, 1)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	got, err = s.FindByTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if got.Status != lifecycle.StatusActivated || got.LastAppliedSequenceNumber != 2 || got.Version != 2 {
		t.Errorf("stored view = %+v", got)
	}
}

func TestSave_InsertConflictsWithExistingRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, testView("tx", lifecycle.StatusActivated, 1, 1), 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	_, err := s.Save(ctx, testView("tx", lifecycle.StatusActivationRequested, 1, 1), 0)
	if !errors.Is(err, view.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	got, _ := s.FindByTransactionID(ctx, "tx")
	if got.Status != lifecycle.StatusActivated {
		t.Errorf("second insert overwrote the row: %+v", got)
	}
}

func TestSave_UpdateMissingRowConflicts(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Save(context.Background(), testView("ghost", lifecycle.StatusActivated, 2, 2), 1)
	if !errors.Is(err, view.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

// Two writers loaded version 3; only the first compare-and-swap succeeds.
func TestSave_StaleVersionConflicts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedToVersion(t, s, "tx", 3)

	if _, err := s.Save(ctx, testView("tx", lifecycle.StatusAuthorized, 4, 4), 3); err != nil {
		t.Fatalf("first writer failed: %v", err)
	}
	_, err := s.Save(ctx, testView("tx", lifecycle.StatusExpired, 4, 4), 3)
	if !errors.Is(err, view.ErrVersionConflict) {
		t.Fatalf("second writer err = %v, want ErrVersionConflict", err)
	}

	got, _ := s.FindByTransactionID(ctx, "tx")
	if got.Status != lifecycle.StatusAuthorized || got.Version != 4 {
		t.Errorf("stored view = %+v, want AUTHORIZED at version 4", got)
	}
}

func TestSave_ConcurrentWritersExactlyOneWins(t *testing.T) {
	s := createTestStore(t)
	seedToVersion(t, s, "tx", 2)

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Save(context.Background(), testView("tx", lifecycle.StatusExpired, 3, 3), 2)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, view.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, writers-1)
	}
}

func TestSave_RejectsInvalidArguments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	cases := map[string]struct {
		v        view.TransactionView
		expected int64
	}{
		"empty id":         {testView("", lifecycle.StatusActivated, 1, 1), 0},
		"status NEW":       {testView("tx", lifecycle.StatusNew, 1, 1), 0},
		"negative version": {testView("tx", lifecycle.StatusActivated, 1, 1), -1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Save(ctx, tc.v, tc.expected); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSave_CancelledContextWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Save(ctx, testView("tx", lifecycle.StatusActivated, 1, 1), 0); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := s.FindByTransactionID(context.Background(), "tx"); !errors.Is(err, view.ErrNotFound) {
		t.Errorf("row written despite cancellation: %v", err)
	}
}

func TestWrap_MarksBusyAsTransient(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	if !view.IsTransient(wrap("op", busy)) {
		t.Error("SQLITE_BUSY should be transient")
	}
	locked := sqlite3.Error{Code: sqlite3.ErrLocked}
	if !view.IsTransient(wrap("op", locked)) {
		t.Error("SQLITE_LOCKED should be transient")
	}
	constraint := sqlite3.Error{Code: sqlite3.ErrConstraint}
	if view.IsTransient(wrap("op", constraint)) {
		t.Error("constraint violation should not be transient")
	}
	if wrap("op", nil) != nil {
		t.Error("wrap(nil) should be nil")
	}
}

func TestListStuck(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// UpdatedAt of testView is 2024-01-01 00:00:<seq>.
	mustSave(t, s, testView("old-activated", lifecycle.StatusActivated, 1, 1))
	mustSave(t, s, testView("old-closure-error", lifecycle.StatusClosureError, 2, 1))
	mustSave(t, s, testView("old-expired", lifecycle.StatusExpired, 3, 1))
	mustSave(t, s, testView("recent-authorized", lifecycle.StatusAuthorized, 30, 1))

	cutoff := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	stuck, err := s.ListStuck(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("got %d stuck views, want 2: %+v", len(stuck), stuck)
	}
	if stuck[0].TransactionID != "old-activated" || stuck[1].TransactionID != "old-closure-error" {
		t.Errorf("unexpected order: %s, %s", stuck[0].TransactionID, stuck[1].TransactionID)
	}

	limited, err := s.ListStuck(ctx, cutoff, 1)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d rows", len(limited))
	}
}

func TestCountByStatusAndListIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustSave(t, s, testView("b", lifecycle.StatusExpired, 1, 1))
	mustSave(t, s, testView("a", lifecycle.StatusExpired, 1, 1))
	mustSave(t, s, testView("c", lifecycle.StatusActivated, 1, 1))

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[lifecycle.StatusExpired] != 2 || counts[lifecycle.StatusActivated] != 1 || len(counts) != 2 {
		t.Errorf("counts = %v", counts)
	}

	ids, err := s.ListTransactionIDs(ctx)
	if err != nil {
		t.Fatalf("ListTransactionIDs failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func mustSave(t *testing.T, s *Store, v view.TransactionView) {
	t.Helper()
	if _, err := s.Save(context.Background(), v, v.Version-1); err != nil {
		t.Fatalf("save %s: %v", v.TransactionID, err)
	}
}

func seedToVersion(t *testing.T, s *Store, id string, version int64) {
	t.Helper()
	statuses := []lifecycle.Status{
		lifecycle.StatusActivationRequested,
		lifecycle.StatusActivated,
		lifecycle.StatusAuthorizationRequested,
	}
	for v := int64(1); v <= version; v++ {
		status := statuses[(v-1)%int64(len(statuses))]
		if _, err := s.Save(context.Background(), testView(id, status, v, v), v-1); err != nil {
			t.Fatalf("seed %s to version %d: %v", id, v, err)
		}
	}
}
