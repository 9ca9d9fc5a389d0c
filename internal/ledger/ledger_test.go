package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "checkinbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func reserved(id, taskID string, at time.Time) Execution {
	return Execution{
		ID:           id,
		TaskID:       taskID,
		TriggeredBy:  TriggerScheduler,
		ScheduledFor: at,
		StartedAt:    at,
	}
}

func TestReserveRejectsDuplicateFire(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	if err := st.Reserve(ctx, reserved("e1", "t1", due)); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if err := st.Reserve(ctx, reserved("e2", "t1", due)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Reserve = %v, want ErrDuplicate", err)
	}
	// Same task, different fire time: fine.
	if err := st.Reserve(ctx, reserved("e3", "t1", due.Add(24*time.Hour))); err != nil {
		t.Fatalf("next-day Reserve: %v", err)
	}
	// Different task, same time: fine.
	if err := st.Reserve(ctx, reserved("e4", "t2", due)); err != nil {
		t.Fatalf("other-task Reserve: %v", err)
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	e := reserved("e1", "t1", due)
	if err := st.Reserve(ctx, e); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	e.FinishedAt = due.Add(5 * time.Second)
	e.Attempt = 1
	e.Outcome = "success"
	if err := st.Finalize(ctx, e); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := st.Finalize(ctx, e); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second Finalize = %v, want ErrAlreadyFinalized", err)
	}
}

func TestFinalizeConcurrentSingleWinner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	e := reserved("e1", "t1", due)
	if err := st.Reserve(ctx, e); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			fin := e
			fin.FinishedAt = due.Add(time.Duration(n+1) * time.Second)
			fin.Attempt = 1
			fin.Outcome = "success"
			if st.Finalize(ctx, fin) == nil {
				wins <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("finalize winners = %d, want exactly 1", won)
	}
}

func TestReserveSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "ledger.db")}
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Reserve(ctx, reserved("e1", "t1", due)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if err := st.Reserve(ctx, reserved("e2", "t1", due)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Reserve after reopen = %v, want ErrDuplicate", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		due := base.Add(time.Duration(i) * 24 * time.Hour)
		e := reserved("e"+string(rune('1'+i)), "t1", due)
		if err := st.Reserve(ctx, e); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		e.FinishedAt = due.Add(10 * time.Second)
		e.Attempt = 1
		e.Outcome = "success"
		if err := st.Finalize(ctx, e); err != nil {
			t.Fatalf("Finalize %d: %v", i, err)
		}
	}
	// One never-finalized reservation must not show up.
	if err := st.Reserve(ctx, reserved("e9", "t1", base.Add(96*time.Hour))); err != nil {
		t.Fatalf("Reserve pending: %v", err)
	}

	hist, err := st.History(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len(hist) = %d, want 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].FinishedAt.After(hist[i-1].FinishedAt) {
			t.Fatalf("history not newest-first: %v before %v", hist[i-1].FinishedAt, hist[i].FinishedAt)
		}
	}

	if _, err := st.History(ctx, "", 2); err != nil {
		t.Fatalf("History all: %v", err)
	}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("disabled ledger should be nil")
	}
}
