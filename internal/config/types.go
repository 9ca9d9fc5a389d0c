package config

import (
	"encoding/json"
)

// Config is the root of the JSON/YAML configuration file.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	AI        *AIConfig       `json:"ai,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    *EngineConfig   `json:"engine,omitempty"`
	Ledger    *LedgerConfig   `json:"ledger,omitempty"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

type TelegramConfig struct {
	Accounts []AccountConfig `json:"accounts"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type AccountConfig struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// AIConfig configures the vision/text provider used for captcha resolution
// and the exam assistant.
type AIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
	// MaxTokens bounds completions; 0 keeps the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Timeout is a Go duration string.
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is the default IANA TZ for tasks that set none of their own.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls the execution pool. Workers is also the global
// bound on concurrently running executions.
type EngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// LedgerConfig controls execution persistence.
//
// Example:
//
//	"ledger": { "driver": "file", "path": "./checkinbot_ledger" }
type LedgerConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Account string `json:"account"`
	Chat    string `json:"chat"`

	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"` // Go duration string
	NotifySuccess bool   `json:"notify_success,omitempty"`
}

// TaskConfig is one task entry. The kind-specific fields live in Params and
// are decoded strictly against the kind's parameter struct.
type TaskConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"` // omitted means enabled

	Account string `json:"account,omitempty"`
	Target  string `json:"target,omitempty"`

	Cron     string `json:"schedule_cron"`
	Timezone string `json:"timezone,omitempty"`

	JitterSeconds     int `json:"jitter_seconds,omitempty"`
	MaxRuntimeSeconds int `json:"max_runtime_seconds,omitempty"`
	Retries           int `json:"retries,omitempty"`
	// RetryBackoff is a Go duration string; the base of the exponential
	// backoff between attempts.
	RetryBackoff string `json:"retry_backoff,omitempty"`

	Params json.RawMessage `json:"params,omitempty"`
}
