package config

import (
	"reflect"
	"sort"
	"strings"

	logx "checkinbot/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging (never includes secrets like tokens or API
// keys), and (3) the IDs of tasks that were added, removed, or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log tokens)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!sameAccountNames(oldCfg.Telegram.Accounts, newCfg.Telegram.Accounts) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.account_count", len(newCfg.Telegram.Accounts)),
		)
	}

	// AI (never log the key)
	oAI := derefAI(oldCfg.AI)
	nAI := derefAI(newCfg.AI)
	if oAI.BaseURL != nAI.BaseURL || oAI.Model != nAI.Model ||
		oAI.MaxTokens != nAI.MaxTokens || oAI.Timeout != nAI.Timeout ||
		(strings.TrimSpace(oAI.APIKey) != "") != (strings.TrimSpace(nAI.APIKey) != "") {
		changed = append(changed, "ai")
		attrs = append(attrs,
			logx.String("ai.model", nAI.Model),
			logx.Bool("ai.key_set", strings.TrimSpace(nAI.APIKey) != ""),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Engine
	oE := derefEngine(oldCfg.Engine)
	nE := derefEngine(newCfg.Engine)
	if oE != nE {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.queue_size", nE.QueueSize),
		)
	}

	// Ledger (nil means disabled)
	oL := derefLedger(oldCfg.Ledger)
	nL := derefLedger(newCfg.Ledger)
	if oL.Driver != nL.Driver || oL.BusyTimeout != nL.BusyTimeout ||
		(strings.TrimSpace(oL.Path) != "") != (strings.TrimSpace(nL.Path) != "") {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", strings.TrimSpace(nL.Driver)),
			logx.Bool("ledger.path_set", strings.TrimSpace(nL.Path) != ""),
		)
	}

	// Notify
	oN := derefNotify(oldCfg.Notify)
	nN := derefNotify(newCfg.Notify)
	if oN != nN {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.success", nN.NotifySuccess),
		)
	}

	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.total", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func sameAccountNames(a, b []AccountConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

func derefAI(c *AIConfig) AIConfig {
	if c == nil {
		return AIConfig{}
	}
	return *c
}

func derefEngine(c *EngineConfig) EngineConfig {
	if c == nil {
		return EngineConfig{}
	}
	return *c
}

func derefLedger(c *LedgerConfig) LedgerConfig {
	if c == nil {
		return LedgerConfig{}
	}
	return *c
}

func derefNotify(c *NotifyConfig) NotifyConfig {
	if c == nil {
		return NotifyConfig{}
	}
	return *c
}

// diffTasks returns the IDs of tasks whose config differs between the two
// lists, plus tasks present on only one side.
func diffTasks(oldT, newT []TaskConfig) []string {
	oldM := make(map[string]*TaskConfig, len(oldT))
	for i := range oldT {
		oldM[oldT[i].ID] = &oldT[i]
	}
	newM := make(map[string]*TaskConfig, len(newT))
	for i := range newT {
		newM[newT[i].ID] = &newT[i]
	}

	set := map[string]struct{}{}
	for id := range oldM {
		set[id] = struct{}{}
	}
	for id := range newM {
		set[id] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if !oOK || !nOK || !reflect.DeepEqual(*o, *n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
