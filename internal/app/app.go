// Package app assembles the services: config, logging, transport sessions,
// the task engine, scheduler, ledger, and notifications. It owns startup
// order, config hot-reload fan-out, and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/ai"
	"checkinbot/internal/captcha"
	"checkinbot/internal/config"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/ledger"
	"checkinbot/internal/notify"
	"checkinbot/internal/runtime/supervisor"
	"checkinbot/internal/task"
	"checkinbot/internal/task/engine"
	"checkinbot/internal/task/scheduler"
	"checkinbot/internal/transport/telegram"
	logx "checkinbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  ledger.Store
	dialer *telegram.Dialer

	registry *task.Registry
	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notify.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault(
		"telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	accounts := make([]telegram.Account, 0, len(cfg.Telegram.Accounts))
	for _, a := range cfg.Telegram.Accounts {
		accounts = append(accounts, telegram.Account{Name: a.Name, Token: a.Token})
	}
	dialer, err := telegram.NewDialer(telegram.Config{PollTimeout: pollTimeout},
		accounts, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	// AI is optional; tasks that need it fail with a clear category instead.
	var aiClient ai.Client
	if cfg.AI != nil && strings.TrimSpace(cfg.AI.APIKey) != "" {
		aiTimeout, err := config.ParseDurationField("ai.timeout", cfg.AI.Timeout)
		if err != nil {
			return nil, err
		}
		aiClient, err = ai.New(ai.Config{
			APIKey:    cfg.AI.APIKey,
			BaseURL:   cfg.AI.BaseURL,
			Model:     cfg.AI.Model,
			MaxTokens: cfg.AI.MaxTokens,
			Timeout:   aiTimeout,
		})
		if err != nil {
			return nil, err
		}
		log.Info("ai provider configured", logx.String("model", cfg.AI.Model))
	}
	resolver := &captcha.Resolver{AI: aiClient}

	// Ledger (optional)
	var store ledger.Store
	if lc, err := mapLedgerConfig(cfg); err != nil {
		return nil, err
	} else {
		st, err := ledger.Open(lc, log.With(logx.String("comp", "ledger")))
		if err != nil {
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("ledger enabled", logx.String("driver", lc.Driver))
		}
	}

	registry := task.NewRegistry()
	handlers := []task.Handler{
		&task.CheckinHandler{Dialer: dialer, Resolver: resolver, Log: log.With(logx.String("comp", "checkin"))},
		&task.SendMessageHandler{Dialer: dialer, Log: log.With(logx.String("comp", "send"))},
		&task.EmbyKeepaliveHandler{Log: log.With(logx.String("comp", "emby"))},
		&task.ExamAssistantHandler{Dialer: dialer, AI: aiClient, Log: log.With(logx.String("comp", "exam"))},
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}

	engineSvc := engine.New(mapEngineConfig(cfg),
		log.With(logx.String("comp", "engine")), bus, registry, store)

	schedSvc := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, engineSvc, store, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, dialer, log.With(logx.String("comp", "notify")), bus)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		dialer:   dialer,
		registry: registry,
		engine:   engineSvc,
		sched:    schedSvc,
		notif:    notifSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()
	defs, err := cfg.Definitions()
	if err != nil {
		return err
	}

	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.sched.ApplyTasks(defs)
	if a.notif != nil {
		a.notif.Start(a.sup.Context())
	}

	// Debug visibility into component events; components subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSdNotify()

	a.log.Info("app started", logx.Int("tasks", len(defs)))
	return nil
}

// applyReload pushes a validated config into the running services. Task,
// scheduler, logging, and notification settings apply live; transport,
// engine sizing, and ledger changes need a restart.
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	sections, attrs, taskIDs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "telegram", "engine", "ledger", "ai":
			a.log.Warn("section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if len(taskIDs) > 0 || containsSection(sections, "scheduler") {
		defs, err := newCfg.Definitions()
		if err != nil {
			// Validator should have caught this; keep the previous tasks.
			a.log.Warn("invalid task config; keeping previous", logx.Err(err))
		} else {
			a.sched.ApplyTasks(defs)
			a.log.Info("schedule updated",
				logx.Int("tasks", len(defs)),
				logx.Any("changed", taskIDs))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func containsSection(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notify", 1*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("telegram", 2*time.Second, func(c context.Context) error { return a.dialer.Close(c) })
	step("ledger", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
