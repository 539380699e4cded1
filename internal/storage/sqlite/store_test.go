package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"FinSight-Agent/internal/session"
	"FinSight-Agent/internal/tools"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "finsight.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionSummaryUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	first := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

	if err := store.SaveSummary(ctx, session.Summary{SessionID: "s1", Summary: "a", MessageCount: 2, CreatedAt: first, UpdatedAt: first}); err != nil {
		t.Fatalf("save: %v", err)
	}
	later := first.Add(time.Hour)
	if err := store.SaveSummary(ctx, session.Summary{SessionID: "s1", Summary: "b", MessageCount: 4, CreatedAt: later, UpdatedAt: later}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if err := store.SaveSummary(ctx, session.Summary{SessionID: "s2", Summary: "c", UpdatedAt: first}); err != nil {
		t.Fatalf("save s2: %v", err)
	}

	got, err := store.GetSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary != "b" || got.MessageCount != 4 || !got.CreatedAt.Equal(first) || !got.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if _, err := store.GetSummary(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "s1" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestReopenSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finsight.db")
	first, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = first.SaveSummary(context.Background(), session.Summary{SessionID: "keep", Summary: "x"})
	_ = first.Close()

	second, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if _, err := second.GetSummary(context.Background(), "keep"); err != nil {
		t.Fatalf("data lost on reopen: %v", err)
	}
}

func TestLineMessagesFetch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	n, err := store.SaveLineMessages(ctx, []tools.LineMessage{
		{ID: "e1", Text: "AAPL 如何", UserID: "U1", Timestamp: base},
		{ID: "e2", Text: "CPI", UserID: "U1", ChatID: "C1", Timestamp: base.Add(48 * time.Hour)},
		{ID: "e3", Text: "hi", UserID: "U2", Timestamp: base},
		{ID: "e1", Text: "dup", UserID: "U1", Timestamp: base},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 inserted, got %d", n)
	}

	end := base.Add(time.Hour)
	msgs, err := store.Fetch(ctx, tools.LineQuery{UserID: "U1", End: &end})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "e1" || msgs[0].Type != "text" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	msgs, err = store.Fetch(ctx, tools.LineQuery{ChatID: "C1"})
	if err != nil || len(msgs) != 1 || msgs[0].UserID != "U1" {
		t.Fatalf("unexpected chat fetch: %+v %v", msgs, err)
	}
}
