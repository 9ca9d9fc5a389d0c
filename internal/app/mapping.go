package app

import (
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/config"
	"checkinbot/internal/ledger"
	"checkinbot/internal/notify"
	"checkinbot/internal/task/engine"
	kit "checkinbot/internal/transport"
)

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	if cfg == nil || cfg.Ledger == nil {
		return ledger.Config{}, nil
	}
	busy, err := config.ParseDurationField("ledger.busy_timeout", cfg.Ledger.BusyTimeout)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Driver:      strings.TrimSpace(cfg.Ledger.Driver),
		Path:        strings.TrimSpace(cfg.Ledger.Path),
		BusyTimeout: busy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	var ec engine.Config
	if cfg != nil && cfg.Engine != nil {
		ec.Workers = cfg.Engine.Workers
		ec.QueueSize = cfg.Engine.QueueSize
		ec.HistorySize = cfg.Engine.HistorySize
	}
	return ec
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg == nil || cfg.Notify == nil {
		return notify.Config{}, nil
	}
	n := cfg.Notify
	dedup, err := config.ParseDurationOrDefault("notify.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notify.Config{}, err
	}
	out := notify.Config{
		Enabled:       n.Enabled,
		Account:       strings.TrimSpace(n.Account),
		Chat:          kit.Peer(strings.TrimSpace(n.Chat)),
		RatePerSec:    n.RatePerSec,
		DedupWindow:   dedup,
		NotifySuccess: n.NotifySuccess,
	}
	if out.Enabled {
		if out.Account == "" {
			return notify.Config{}, fmt.Errorf("notify.account is required when notify is enabled")
		}
		if out.Chat == "" {
			return notify.Config{}, fmt.Errorf("notify.chat is required when notify is enabled")
		}
	}
	return out, nil
}

// validateConfig is the hot-reload gate: a config that fails here is
// rejected without touching the running services.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for i := range cfg.Tasks {
		if tz := strings.TrimSpace(cfg.Tasks[i].Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("tasks[%s].timezone: invalid %q: %w", cfg.Tasks[i].ID, tz, err)
			}
		}
	}
	if cfg.Engine != nil {
		if cfg.Engine.Workers < 0 {
			return fmt.Errorf("engine.workers must be >= 0")
		}
		if cfg.Engine.QueueSize < 0 {
			return fmt.Errorf("engine.queue_size must be >= 0")
		}
	}
	if cfg.AI != nil {
		if _, err := config.ParseDurationField("ai.timeout", cfg.AI.Timeout); err != nil {
			return err
		}
	}
	if _, err := mapLedgerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	// Definitions() runs full per-task validation including params decode.
	if _, err := cfg.Definitions(); err != nil {
		return err
	}
	return nil
}
