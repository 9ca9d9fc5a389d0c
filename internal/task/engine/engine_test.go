package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"checkinbot/internal/classify"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/ledger"
	"checkinbot/internal/task"
	logx "checkinbot/pkg/logx"
)

type fakeHandler struct {
	kind task.Kind
	fn   func(ctx context.Context, def *task.Definition) (task.Result, error)

	mu    sync.Mutex
	calls int
}

func (h *fakeHandler) Kind() task.Kind { return h.kind }

func (h *fakeHandler) Execute(ctx context.Context, def *task.Definition) (task.Result, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.fn(ctx, def)
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestEngine(t *testing.T, h task.Handler) (*Service, ledger.Store) {
	t.Helper()
	reg := task.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	store, err := ledger.Open(ledger.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger")}, logx.Nop())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := New(Config{Workers: 4, QueueSize: 16}, logx.Nop(), eventbus.New(), reg, store)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, store
}

func sendDef(id, account string) *task.Definition {
	return &task.Definition{
		ID: id, Name: id, Kind: task.KindSendMessage, Enabled: true,
		Account: account, Target: "bot", Cron: "0 8 * * *",
		MaxRuntime: 5 * time.Second,
		Send:       &task.SendMessageParams{Message: "gm"},
	}
}

func waitHistory(t *testing.T, s *Service, want int) []HistoryItem {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h := s.History()
		if len(h) >= want {
			return h
		}
		select {
		case <-deadline:
			t.Fatalf("history has %d items, want %d", len(h), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAccountExclusivity(t *testing.T) {
	var inFlight, maxInFlight int32
	h := &fakeHandler{kind: task.KindSendMessage, fn: func(ctx context.Context, def *task.Definition) (task.Result, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return task.Result{Category: classify.CategorySuccess}, nil
	}}
	s, _ := newTestEngine(t, h)

	due := time.Now().Truncate(time.Minute)
	// Three tasks, same account: must run one at a time despite 4 workers.
	for i := 0; i < 3; i++ {
		def := sendDef("t"+string(rune('1'+i)), "acc1")
		if err := s.Submit(Fire{Def: def, ScheduledFor: due, Trigger: ledger.TriggerScheduler}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitHistory(t, s, 3)
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("max concurrent executions on one account = %d, want 1", got)
	}
}

func TestDistinctAccountsRunConcurrently(t *testing.T) {
	start := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	h := &fakeHandler{kind: task.KindSendMessage, fn: func(ctx context.Context, def *task.Definition) (task.Result, error) {
		arrived.Done()
		select {
		case <-start:
		case <-ctx.Done():
		}
		return task.Result{Category: classify.CategorySuccess}, nil
	}}
	s, _ := newTestEngine(t, h)

	due := time.Now().Truncate(time.Minute)
	_ = s.Submit(Fire{Def: sendDef("t1", "acc1"), ScheduledFor: due})
	_ = s.Submit(Fire{Def: sendDef("t2", "acc2"), ScheduledFor: due})

	done := make(chan struct{})
	go func() { arrived.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("two accounts did not run concurrently")
	}
	close(start)
	waitHistory(t, s, 2)
}

func TestDuplicateFireRunsOnce(t *testing.T) {
	h := &fakeHandler{kind: task.KindSendMessage, fn: func(ctx context.Context, def *task.Definition) (task.Result, error) {
		return task.Result{Category: classify.CategorySuccess}, nil
	}}
	s, store := newTestEngine(t, h)

	def := sendDef("t1", "acc1")
	due := time.Now().Truncate(time.Minute)
	for i := 0; i < 5; i++ {
		if err := s.Submit(Fire{Def: def, ScheduledFor: due}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	waitHistory(t, s, 1)
	// Give the duplicates a moment to drain.
	time.Sleep(50 * time.Millisecond)

	if got := h.callCount(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	hist, err := store.History(context.Background(), "t1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("ledger has %d finalized records, want 1", len(hist))
	}
	if hist[0].Outcome != "success" {
		t.Fatalf("Outcome = %q", hist[0].Outcome)
	}
}

func TestRetryUntilDecisive(t *testing.T) {
	var n int32
	h := &fakeHandler{kind: task.KindSendMessage, fn: func(ctx context.Context, def *task.Definition) (task.Result, error) {
		if atomic.AddInt32(&n, 1) < 3 {
			return task.Result{Category: classify.CategoryTimeout, Detail: "silence"}, nil
		}
		return task.Result{Category: classify.CategorySuccess, Extracted: "10"}, nil
	}}
	s, store := newTestEngine(t, h)

	def := sendDef("t1", "acc1")
	def.Retries = 3
	def.RetryBackoff = time.Millisecond
	if err := s.Submit(Fire{Def: def, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitHistory(t, s, 1)
	hist, _ := store.History(context.Background(), "t1", 1)
	if len(hist) != 1 || hist[0].Outcome != "success" {
		t.Fatalf("hist = %+v", hist)
	}
	if hist[0].Attempt != 3 {
		t.Fatalf("Attempt = %d, want 3", hist[0].Attempt)
	}
	if hist[0].Extracted != "10" {
		t.Fatalf("Extracted = %q", hist[0].Extracted)
	}
}

func TestExhaustedRetriesRecordFailure(t *testing.T) {
	h := &fakeHandler{kind: task.KindSendMessage, fn: func(ctx context.Context, def *task.Definition) (task.Result, error) {
		return task.Result{Category: classify.CategoryTimeout, Detail: "no reply"}, nil
	}}
	s, store := newTestEngine(t, h)

	def := sendDef("t1", "acc1")
	def.Retries = 2
	def.RetryBackoff = time.Millisecond
	if err := s.Submit(Fire{Def: def, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitHistory(t, s, 1)
	hist, _ := store.History(context.Background(), "t1", 1)
	if len(hist) != 1 {
		t.Fatalf("hist = %+v", hist)
	}
	if hist[0].Outcome != "failure" {
		t.Fatalf("Outcome = %q, want failure", hist[0].Outcome)
	}
	if hist[0].Attempt != 3 {
		t.Fatalf("Attempt = %d, want 3", hist[0].Attempt)
	}
	if want := "timeout: no reply"; hist[0].Detail != want {
		t.Fatalf("Detail = %q, want %q", hist[0].Detail, want)
	}
	if got := h.callCount(); got != 3 {
		t.Fatalf("handler ran %d times, want 3", got)
	}
}

func TestDecisiveOutcomeNeverRetries(t *testing.T) {
	h := &fakeHandler{kind: task.KindSendMessage, fn: func(ctx context.Context, def *task.Definition) (task.Result, error) {
		return task.Result{Category: classify.CategoryAccountError, Detail: "账号被封禁"}, nil
	}}
	s, store := newTestEngine(t, h)

	def := sendDef("t1", "acc1")
	def.Retries = 5
	def.RetryBackoff = time.Millisecond
	_ = s.Submit(Fire{Def: def, ScheduledFor: time.Now()})

	waitHistory(t, s, 1)
	if got := h.callCount(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	hist, _ := store.History(context.Background(), "t1", 1)
	if hist[0].Outcome != "account_error" {
		t.Fatalf("Outcome = %q", hist[0].Outcome)
	}
}

func TestLockWaitBoundedByRuntimeBudget(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHandler{kind: task.KindSendMessage, fn: func(ctx context.Context, def *task.Definition) (task.Result, error) {
		if def.ID == "blocker" {
			<-release
		}
		return task.Result{Category: classify.CategorySuccess}, nil
	}}
	s, store := newTestEngine(t, h)

	blocker := sendDef("blocker", "acc1")
	_ = s.Submit(Fire{Def: blocker, ScheduledFor: time.Now()})
	time.Sleep(20 * time.Millisecond)

	deferred := sendDef("deferred", "acc1")
	deferred.MaxRuntime = 50 * time.Millisecond
	_ = s.Submit(Fire{Def: deferred, ScheduledFor: time.Now()})

	// The deferred fire must give up and record a failure while the blocker
	// still holds the account.
	deadline := time.After(3 * time.Second)
	for {
		hist, _ := store.History(context.Background(), "deferred", 1)
		if len(hist) == 1 {
			if hist[0].Outcome != "failure" {
				t.Fatalf("Outcome = %q, want failure", hist[0].Outcome)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("deferred fire never finalized")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	waitHistory(t, s, 2)
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	base := time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := retryDelay(base, attempt, nil)
		if d < prev && d != 5*time.Minute {
			t.Fatalf("delay shrank: attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 5*time.Minute {
			t.Fatalf("delay above cap: %v", d)
		}
		prev = d
	}
}
