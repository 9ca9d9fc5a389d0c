package ledger

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("ledger disabled")

	// ErrDuplicate means another reservation already holds this
	// (task, scheduled-for) slot.
	ErrDuplicate = errors.New("execution already reserved")

	// ErrAlreadyFinalized means the slot's outcome was already written.
	ErrAlreadyFinalized = errors.New("execution already finalized")
)

// Config configures the execution ledger.
//
// Driver values:
//   - "file": dependency-free JSON Lines journal
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the ledger is disabled and the engine runs
// without persistence.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Trigger records who asked for an execution.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual"
)

// Execution is one attempt-series of a task fire. A fire is identified by
// (TaskID, ScheduledFor); the ledger guarantees at most one finalized record
// per fire.
type Execution struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	TaskName     string    `json:"task_name,omitempty"`
	Account      string    `json:"account,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	TriggeredBy  Trigger   `json:"triggered_by"`
	ScheduledFor time.Time `json:"scheduled_for"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`

	// Attempt is the 1-based attempt number that produced the outcome.
	Attempt int `json:"attempt,omitempty"`

	Outcome    string   `json:"outcome,omitempty"`
	Extracted  string   `json:"extracted,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Transcript []string `json:"transcript,omitempty"`
}

// Finalized reports whether the record carries an outcome.
func (e Execution) Finalized() bool { return !e.FinishedAt.IsZero() }

func fireKey(taskID string, scheduledFor time.Time) string {
	return taskID + "@" + scheduledFor.UTC().Format(time.RFC3339Nano)
}
