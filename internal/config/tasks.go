package config

import (
	"fmt"
	"time"

	"checkinbot/internal/task"
	kit "checkinbot/internal/transport"
)

const (
	defaultMaxRuntimeSeconds = 300
	defaultRetryBackoff      = 2 * time.Second
)

// Definitions converts the configured task list into engine definitions.
// Every task is validated; a single bad entry fails the whole conversion so
// a reload never half-applies.
func (c *Config) Definitions() ([]task.Definition, error) {
	defs := make([]task.Definition, 0, len(c.Tasks))
	seen := make(map[string]struct{}, len(c.Tasks))
	accounts := make(map[string]struct{}, len(c.Telegram.Accounts))
	for _, a := range c.Telegram.Accounts {
		accounts[a.Name] = struct{}{}
	}

	for i := range c.Tasks {
		tc := &c.Tasks[i]
		def, err := tc.toDefinition()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("task %s: duplicate id", def.ID)
		}
		seen[def.ID] = struct{}{}
		if def.Account != "" {
			if _, ok := accounts[def.Account]; !ok {
				return nil, fmt.Errorf("task %s: unknown account %q", def.ID, def.Account)
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (tc *TaskConfig) toDefinition() (task.Definition, error) {
	def := task.Definition{
		ID:            tc.ID,
		Name:          tc.Name,
		Kind:          task.Kind(tc.Kind),
		Enabled:       tc.Enabled == nil || *tc.Enabled,
		Account:       tc.Account,
		Target:        kit.Peer(tc.Target),
		Cron:          tc.Cron,
		Timezone:      tc.Timezone,
		JitterSeconds: tc.JitterSeconds,
		Retries:       tc.Retries,
	}

	runtime := tc.MaxRuntimeSeconds
	if runtime <= 0 {
		runtime = defaultMaxRuntimeSeconds
	}
	def.MaxRuntime = time.Duration(runtime) * time.Second

	backoff, err := ParseDurationOrDefault(
		fmt.Sprintf("tasks[%s].retry_backoff", tc.ID), tc.RetryBackoff, defaultRetryBackoff)
	if err != nil {
		return task.Definition{}, err
	}
	def.RetryBackoff = backoff

	if tc.JitterSeconds < 0 {
		return task.Definition{}, fmt.Errorf("task %s: jitter_seconds must be >= 0", tc.ID)
	}

	if err := task.DecodeParams(def.Kind, tc.Params, &def); err != nil {
		return task.Definition{}, fmt.Errorf("task %s: %w", tc.ID, err)
	}
	if err := def.Validate(); err != nil {
		return task.Definition{}, err
	}
	return def, nil
}
