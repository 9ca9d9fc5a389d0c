package ledger

import (
	"context"
	"errors"
	"strings"

	logx "checkinbot/pkg/logx"
)

// Store is the execution ledger API used by the engine and scheduler.
//
// Reserve claims the (TaskID, ScheduledFor) slot before the first attempt;
// a second Reserve for the same slot fails with ErrDuplicate, which is how
// duplicate fires (restart races, manual triggers colliding with scheduled
// ones) are collapsed to a single execution. Finalize writes the outcome
// exactly once; later calls fail with ErrAlreadyFinalized.
type Store interface {
	Reserve(ctx context.Context, e Execution) error
	Finalize(ctx context.Context, e Execution) error

	// History returns finalized executions for a task, newest first.
	// Empty taskID returns history across all tasks.
	History(ctx context.Context, taskID string, limit int) ([]Execution, error)

	Close() error
}

// Open initializes the configured ledger.
// It returns (nil, nil) if the ledger is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}

func validateReserve(e Execution) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return errors.New("execution task_id is required")
	}
	if e.ScheduledFor.IsZero() {
		return errors.New("execution scheduled_for is required")
	}
	return nil
}

func normalizeLimit(limit int) int {
	const defaultLimit = 50
	if limit <= 0 || limit > 500 {
		return defaultLimit
	}
	return limit
}
