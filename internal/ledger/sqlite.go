//go:build sqlite
// +build sqlite

package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "checkinbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Reserve(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := validateReserve(e); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, task_id, task_name, account, kind, triggered_by, scheduled_for, started_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(task_id, scheduled_for) DO NOTHING`,
		e.ID, e.TaskID, nullStr(e.TaskName), nullStr(e.Account), nullStr(e.Kind),
		string(e.TriggeredBy), e.ScheduledFor.UTC().Format(time.RFC3339Nano),
		e.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *sqliteStore) Finalize(ctx context.Context, e Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := validateReserve(e); err != nil {
		return err
	}
	if !e.Finalized() {
		return errors.New("finalize requires finished_at")
	}

	transcript := ""
	if len(e.Transcript) > 0 {
		b, err := json.Marshal(e.Transcript)
		if err != nil {
			return err
		}
		transcript = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET finished_at=?, attempt=?, outcome=?, extracted=?, detail=?, transcript=?
		 WHERE task_id=? AND scheduled_for=? AND finished_at IS NULL`,
		e.FinishedAt.UTC().Format(time.RFC3339Nano), e.Attempt, e.Outcome,
		nullStr(e.Extracted), nullStr(e.Detail), nullStr(transcript),
		e.TaskID, e.ScheduledFor.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

func (s *sqliteStore) History(ctx context.Context, taskID string, limit int) ([]Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = normalizeLimit(limit)

	q := `SELECT id, task_id, task_name, account, kind, triggered_by, scheduled_for,
	             started_at, finished_at, attempt, outcome, extracted, detail, transcript
	      FROM executions WHERE finished_at IS NOT NULL`
	args := []any{}
	if taskID != "" {
		q += ` AND task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e          Execution
			taskName   sql.NullString
			account    sql.NullString
			kind       sql.NullString
			trig       string
			schedFor   string
			startedAt  string
			finishedAt sql.NullString
			attempt    sql.NullInt64
			outcome    sql.NullString
			extracted  sql.NullString
			detail     sql.NullString
			transcript sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &taskName, &account, &kind, &trig,
			&schedFor, &startedAt, &finishedAt, &attempt, &outcome, &extracted,
			&detail, &transcript); err != nil {
			return nil, err
		}
		e.TaskName = taskName.String
		e.Account = account.String
		e.Kind = kind.String
		e.TriggeredBy = Trigger(trig)
		e.ScheduledFor, _ = time.Parse(time.RFC3339Nano, schedFor)
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt.Valid {
			e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt.String)
		}
		e.Attempt = int(attempt.Int64)
		e.Outcome = outcome.String
		e.Extracted = extracted.String
		e.Detail = detail.String
		if transcript.Valid && transcript.String != "" {
			_ = json.Unmarshal([]byte(transcript.String), &e.Transcript)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
