// Package scheduler turns cron expressions into engine fires. It is
// trigger-only: execution, retries, and persistence live in task/engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"checkinbot/internal/eventbus"
	"checkinbot/internal/ledger"
	"checkinbot/internal/task"
	"checkinbot/internal/task/engine"
	logx "checkinbot/pkg/logx"
)

var ErrUnknownTask = errors.New("unknown task")

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // default IANA TZ for tasks without their own
}

// ScheduleInfo is a diagnostic view of one registered task.
type ScheduleInfo struct {
	TaskID string
	Name   string
	Spec   string
	Next   time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	engine *engine.Service
	store  ledger.Store // may be nil

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location

	defs    map[string]*task.Definition
	entries map[string]cron.EntryID

	rng    *rand.Rand
	stopCh chan struct{}
}

func New(cfg Config, eng *engine.Service, store ledger.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		store:  store,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:    map[string]*task.Definition{},
		entries: map[string]cron.EntryID{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}

	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.stopCh = make(chan struct{})

	for id := range s.defs {
		if err := s.addEntryLocked(s.defs[id]); err != nil {
			s.log.Error("schedule registration failed",
				logx.String("task", s.defs[id].Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

// ApplyTasks replaces the registered task set. Called at startup and on
// every config reload; disabled and invalid tasks are dropped with a log
// line rather than failing the whole batch.
func (s *Service) ApplyTasks(defs []task.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*task.Definition, len(defs))
	for i := range defs {
		d := defs[i]
		if !d.Enabled {
			continue
		}
		next[d.ID] = &d
	}

	if s.c != nil {
		for id, entryID := range s.entries {
			s.c.Remove(entryID)
			delete(s.entries, id)
		}
	}
	s.defs = next
	if s.c != nil {
		for id := range next {
			if err := s.addEntryLocked(next[id]); err != nil {
				s.log.Error("schedule registration failed",
					logx.String("task", next[id].Name), logx.Err(err))
			}
		}
	}
	s.log.Info("schedules applied", logx.Int("tasks", len(next)))
}

// RunNow fires a task immediately, skipping jitter. The fire time is the
// call moment, so it never collides with a scheduled fire's slot.
func (s *Service) RunNow(taskID string) error {
	s.mu.Lock()
	def, ok := s.defs[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	f := engine.Fire{Def: def, ScheduledFor: time.Now(), Trigger: ledger.TriggerManual}
	if err := s.engine.Submit(f); err != nil {
		s.recordMissed(def, f.ScheduledFor, ledger.TriggerManual, err)
		return err
	}
	s.log.Info("manual fire submitted", logx.String("task", def.Name))
	return nil
}

// Snapshot lists registered schedules with their next fire time.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduleInfo, 0, len(s.entries))
	for id, entryID := range s.entries {
		def := s.defs[id]
		if def == nil {
			continue
		}
		info := ScheduleInfo{TaskID: id, Name: def.Name, Spec: def.Cron}
		if s.c != nil {
			info.Next = s.c.Entry(entryID).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *Service) addEntryLocked(def *task.Definition) error {
	spec := strings.TrimSpace(def.Cron)
	if tz := strings.TrimSpace(def.Timezone); tz != "" && !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		// The parser resolves CRON_TZ per entry; this is how per-task
		// timezones coexist in one cron instance.
		spec = "CRON_TZ=" + tz + " " + spec
	}

	d := def
	stopCh := s.stopCh
	entryID, err := s.c.AddFunc(spec, func() {
		s.fire(d, stopCh)
	})
	if err != nil {
		return fmt.Errorf("cron spec %q: %w", def.Cron, err)
	}
	s.entries[def.ID] = entryID
	return nil
}

// fire applies the per-fire jitter and hands the due execution to the
// engine. The fire keeps its pre-jitter due time as identity, so a restart
// halfway through the jitter window cannot double-run the slot.
func (s *Service) fire(def *task.Definition, stopCh <-chan struct{}) {
	due := time.Now().Truncate(time.Second)

	if def.JitterSeconds > 0 {
		s.mu.Lock()
		delay := time.Duration(s.rng.Int63n(int64(def.JitterSeconds)+1)) * time.Second
		s.mu.Unlock()
		if delay > 0 {
			s.log.Debug("fire jittered",
				logx.String("task", def.Name), logx.Duration("delay", delay))
			t := time.NewTimer(delay)
			select {
			case <-stopCh:
				t.Stop()
				return
			case <-t.C:
			}
		}
	}

	f := engine.Fire{Def: def, ScheduledFor: due, Trigger: ledger.TriggerScheduler}
	if err := s.engine.Submit(f); err != nil {
		s.log.Warn("fire not submitted",
			logx.String("task", def.Name), logx.Err(err))
		s.recordMissed(def, due, ledger.TriggerScheduler, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "schedule.fired", Time: time.Now(), Data: map[string]string{
			"task_id": def.ID, "task": def.Name,
		}})
	}
}

// recordMissed writes a failed execution for a fire that never reached the
// engine, so gaps in the history are visible instead of silent.
func (s *Service) recordMissed(def *task.Definition, due time.Time, trig ledger.Trigger, cause error) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	e := ledger.Execution{
		ID:           uuid.NewString(),
		TaskID:       def.ID,
		TaskName:     def.Name,
		Account:      def.Account,
		Kind:         string(def.Kind),
		TriggeredBy:  trig,
		ScheduledFor: due,
		StartedAt:    now,
	}
	if err := s.store.Reserve(ctx, e); err != nil {
		// Slot already owned by a real execution; nothing to record.
		return
	}
	e.FinishedAt = now
	e.Outcome = "failure"
	e.Detail = "scheduling_conflict: " + cause.Error()
	if err := s.store.Finalize(ctx, e); err != nil {
		s.log.Error("missed-fire record failed", logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("bad scheduler timezone, using local",
			logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
