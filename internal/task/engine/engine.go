// Package engine executes task fires: it owns the worker pool, per-account
// exclusivity, the retry policy, and the exactly-once handoff to the
// execution ledger. Scheduling (when to fire) lives in task/scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"checkinbot/internal/classify"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/ledger"
	rtsup "checkinbot/internal/runtime/supervisor"
	"checkinbot/internal/task"
	logx "checkinbot/pkg/logx"
)

var (
	ErrStopped   = errors.New("engine stopped")
	ErrQueueFull = errors.New("engine queue full")
	ErrNoHandler = errors.New("no handler for task kind")
)

// Config controls the execution pool.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

// Fire is one due execution of a task, either from the scheduler or a
// manual trigger. ScheduledFor identifies the fire for exactly-once
// accounting.
type Fire struct {
	Def          *task.Definition
	ScheduledFor time.Time
	Trigger      ledger.Trigger
}

// ExecutionEvent is published on the bus for every finalized fire.
type ExecutionEvent struct {
	ExecutionID string            `json:"execution_id"`
	TaskID      string            `json:"task_id"`
	TaskName    string            `json:"task_name"`
	Account     string            `json:"account,omitempty"`
	Kind        string            `json:"kind"`
	Outcome     string            `json:"outcome"`
	Category    classify.Category `json:"category"`
	Extracted   string            `json:"extracted,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Attempts    int               `json:"attempts"`
	Duration    time.Duration     `json:"duration"`
}

// HistoryItem is a compact in-memory record for diagnostics.
type HistoryItem struct {
	ExecutionID string
	TaskID      string
	TaskName    string
	Started     time.Time
	Duration    time.Duration
	Outcome     string
	Detail      string
}

// Service is the task execution engine.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	registry *task.Registry
	store    ledger.Store // nil means no persistence

	q      chan Fire
	locks  *keyedLocks
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, registry *task.Registry, store ledger.Store) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		registry: registry,
		store:    store,
		locks:    newKeyedLocks(),
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.q = make(chan Fire, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	queue := s.q
	stopCh := s.stopCh
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("task engine started",
		logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	s.q = nil
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("engine stop incomplete", logx.Err(err))
		}
	}
	s.log.Info("task engine stopped")
}

// Submit hands a due fire to the pool without blocking. A full queue is a
// hard failure the scheduler records against the fire.
func (s *Service) Submit(f Fire) error {
	if f.Def == nil {
		return errors.New("fire has no task definition")
	}
	if f.ScheduledFor.IsZero() {
		return errors.New("fire has no scheduled time")
	}
	if f.Trigger == "" {
		f.Trigger = ledger.TriggerScheduler
	}

	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	select {
	case q <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// History returns a copy of the recent finalized fires, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Fire, idx int) {
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case f := <-queue:
			s.execOne(ctx, f, rng)
		}
	}
}

func (s *Service) execOne(ctx context.Context, f Fire, rng *rand.Rand) {
	def := f.Def
	log := s.log.With(
		logx.String("task", def.Name),
		logx.String("task_id", def.ID),
	)

	exec := ledger.Execution{
		ID:           uuid.NewString(),
		TaskID:       def.ID,
		TaskName:     def.Name,
		Account:      def.Account,
		Kind:         string(def.Kind),
		TriggeredBy:  f.Trigger,
		ScheduledFor: f.ScheduledFor,
		StartedAt:    time.Now(),
	}

	if s.store != nil {
		err := s.store.Reserve(ctx, exec)
		if errors.Is(err, ledger.ErrDuplicate) {
			log.Debug("fire already executed, skipping",
				logx.Time("scheduled_for", f.ScheduledFor))
			s.publish("execution.skipped", exec, task.Result{}, 0, 0)
			return
		}
		if err != nil {
			log.Error("ledger reserve failed", logx.Err(err))
			// Running without the reservation would break exactly-once.
			return
		}
	}

	// One budget covers lock wait plus all attempts.
	budget, cancel := context.WithTimeout(ctx, def.MaxRuntime)
	defer cancel()

	release, err := s.locks.Acquire(budget, def.LockKey())
	if err != nil {
		res := task.Result{
			Category: classify.CategoryError,
			Detail:   "account busy beyond runtime budget: " + err.Error(),
		}
		s.finalize(log, exec, res, "failure", 0, time.Since(exec.StartedAt))
		return
	}
	defer release()

	handler, ok := s.registry.Lookup(def.Kind)
	if !ok {
		res := task.Result{
			Category: classify.CategoryError,
			Detail:   fmt.Sprintf("%v: %s", ErrNoHandler, def.Kind),
		}
		s.finalize(log, exec, res, "failure", 0, time.Since(exec.StartedAt))
		return
	}

	log.Info("execution started",
		logx.String("kind", string(def.Kind)),
		logx.String("trigger", string(f.Trigger)),
		logx.Time("scheduled_for", f.ScheduledFor))
	s.publish("execution.started", exec, task.Result{}, 0, 0)

	var res task.Result
	attempts := 0
	maxAttempts := 1 + def.Retries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		res = s.runAttempt(budget, handler, def)
		if !res.Retryable() {
			break
		}
		if attempt >= maxAttempts || budget.Err() != nil {
			break
		}

		delay := retryDelay(def.RetryBackoff, attempt, rng)
		log.Debug("attempt failed, retrying",
			logx.Int("attempt", attempt),
			logx.String("category", string(res.Category)),
			logx.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-budget.Done():
			t.Stop()
		case <-t.C:
		}
		if budget.Err() != nil {
			break
		}
	}

	outcome := string(res.Category)
	if res.Retryable() {
		// Exhausted retries on a non-decisive category count as a failure,
		// with the category preserved in the detail.
		outcome = string(classify.CategoryFailure)
		res.Detail = strings.TrimSpace(string(res.Category) + ": " + res.Detail)
	}

	s.finalize(log, exec, res, outcome, attempts, time.Since(exec.StartedAt))
}

// runAttempt isolates one handler call; a panicking handler fails the
// attempt instead of killing the worker.
func (s *Service) runAttempt(ctx context.Context, h task.Handler, def *task.Definition) (res task.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic",
				logx.String("task", def.Name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			res = task.Result{
				Category: classify.CategoryError,
				Detail:   fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	res, err := h.Execute(ctx, def)
	if err != nil && res.Category == "" {
		res.Category = classify.CategoryError
		res.Detail = err.Error()
	}
	return res
}

func (s *Service) finalize(log logx.Logger, exec ledger.Execution, res task.Result, outcome string, attempts int, dur time.Duration) {
	exec.FinishedAt = time.Now()
	exec.Attempt = attempts
	exec.Outcome = outcome
	exec.Extracted = res.Extracted
	exec.Detail = res.Detail
	exec.Transcript = res.Transcript

	if s.store != nil {
		// Finalize gets its own context: the run budget may already be gone,
		// but the record must still land.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.store.Finalize(ctx, exec)
		cancel()
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			log.Warn("fire finalized twice, dropping duplicate outcome",
				logx.Time("scheduled_for", exec.ScheduledFor))
			return
		}
		if err != nil {
			log.Error("ledger finalize failed", logx.Err(err))
		}
	}

	switch outcome {
	case string(classify.CategorySuccess), string(classify.CategoryAlreadyDone):
		log.Info("execution finished",
			logx.String("outcome", outcome),
			logx.String("extracted", res.Extracted),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur))
	default:
		log.Warn("execution failed",
			logx.String("outcome", outcome),
			logx.String("detail", res.Detail),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur))
	}

	s.publish("execution.finished", exec, res, attempts, dur)
	s.record(HistoryItem{
		ExecutionID: exec.ID,
		TaskID:      exec.TaskID,
		TaskName:    exec.TaskName,
		Started:     exec.StartedAt,
		Duration:    dur,
		Outcome:     outcome,
		Detail:      res.Detail,
	})
}

func (s *Service) publish(typ string, exec ledger.Execution, res task.Result, attempts int, dur time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ExecutionEvent{
		ExecutionID: exec.ID,
		TaskID:      exec.TaskID,
		TaskName:    exec.TaskName,
		Account:     exec.Account,
		Kind:        exec.Kind,
		Outcome:     exec.Outcome,
		Category:    res.Category,
		Extracted:   res.Extracted,
		Detail:      res.Detail,
		Attempts:    attempts,
		Duration:    dur,
	}})
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// retryDelay doubles per attempt from the configured base, with 20% jitter
// so synchronized failures across tasks don't retry in lockstep.
func retryDelay(base time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	const maxDelay = 5 * time.Minute

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxDelay {
			d = maxDelay
			break
		}
	}
	if rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*0.2))
		if d < 0 {
			d = 0
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
