// Package notify pushes execution failures to an operator chat. It consumes
// engine events off the bus, so the engine has no notifier dependency.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"checkinbot/internal/eventbus"
	rtsup "checkinbot/internal/runtime/supervisor"
	"checkinbot/internal/task/engine"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

// Config controls operator notifications.
type Config struct {
	Enabled bool

	// Account and Chat name the session and peer used for delivery.
	Account string
	Chat    kit.Peer

	RatePerSec  int
	DedupWindow time.Duration

	// NotifySuccess includes successful executions, not only failures.
	NotifySuccess bool
}

// Service watches execution events and forwards the interesting ones.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	dialer  kit.Dialer
	limiter *rate.Limiter

	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, dialer kit.Dialer, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		dialer:  dialer,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.bus == nil {
		return
	}

	events, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("watch", func(c context.Context) error {
		s.watch(c, events)
		return nil
	})
	s.log.Info("notifier started", logx.String("chat", string(s.cfg.Chat)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Service) watch(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != "execution.finished" {
				continue
			}
			ee, ok := ev.Data.(engine.ExecutionEvent)
			if !ok {
				continue
			}
			if msg := s.render(ee); msg != "" {
				s.deliver(ctx, ee, msg)
			}
		}
	}
}

// render decides whether the event is worth the operator's attention and
// formats the message. Empty string means skip.
func (s *Service) render(ee engine.ExecutionEvent) string {
	switch ee.Outcome {
	case "success", "already_done":
		if !s.cfg.NotifySuccess {
			return ""
		}
		line := fmt.Sprintf("✅ %s: %s", ee.TaskName, ee.Outcome)
		if ee.Extracted != "" {
			line += " (+" + ee.Extracted + ")"
		}
		return line
	case "account_error":
		return fmt.Sprintf("🚫 %s: account problem, task disabled until fixed\n%s", ee.TaskName, ee.Detail)
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "⚠️ %s failed (%s)", ee.TaskName, ee.Outcome)
		if ee.Attempts > 1 {
			fmt.Fprintf(&b, " after %d attempts", ee.Attempts)
		}
		if ee.Detail != "" {
			b.WriteString("\n")
			b.WriteString(ee.Detail)
		}
		return b.String()
	}
}

func (s *Service) deliver(ctx context.Context, ee engine.ExecutionEvent, msg string) {
	if s.suppressed(ee.TaskID+"|"+ee.Outcome, time.Now()) {
		s.log.Debug("notification deduped", logx.String("task", ee.TaskName))
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	sess, err := s.dialer.Session(s.cfg.Account)
	if err != nil {
		s.log.Error("notifier session unavailable", logx.Err(err))
		return
	}
	if err := sess.Send(ctx, s.cfg.Chat, msg); err != nil {
		s.log.Error("notification send failed",
			logx.String("task", ee.TaskName), logx.Err(err))
		return
	}
	s.log.Debug("notification sent", logx.String("task", ee.TaskName))
}

// suppressed reports whether the key fired inside the dedup window, and
// marks it either way.
func (s *Service) suppressed(key string, now time.Time) bool {
	window := s.cfg.DedupWindow
	if window <= 0 {
		return false
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return true
	}
	s.dedup[key] = now.Add(window)

	// Opportunistic prune keeps the map from growing without bound.
	if len(s.dedup) > 1000 {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	return false
}
