package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "checkinbot/pkg/logx"
)

// fileStore is a dependency-free ledger backend.
//
// It keeps one append-only JSON Lines journal per ledger:
//
//	<prefix>.executions.jsonl
//
// Each line is a full Execution record. A reservation line has no
// finished_at; the matching finalize appends a second line with the same id
// carrying the outcome. Replay on open rebuilds the fire index, so the
// exactly-once guarantee survives restarts.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	journal *os.File

	// fires maps fireKey -> latest record for that slot.
	fires map[string]Execution
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base) + ".executions.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fires := map[string]Execution{}
	if err := replayJournal(journalPath, fires); err != nil {
		log.Warn("ledger journal replay failed; starting empty", logx.Err(err))
		fires = map[string]Execution{}
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, journal: jf, fires: fires}, nil
}

func replayJournal(path string, fires map[string]Execution) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Execution
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn tail line after a crash is expected; skip it.
			continue
		}
		key := fireKey(e.TaskID, e.ScheduledFor)
		prev, ok := fires[key]
		if ok && prev.Finalized() {
			continue
		}
		fires[key] = e
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Reserve(ctx context.Context, e Execution) error {
	_ = ctx
	if err := validateReserve(e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}

	key := fireKey(e.TaskID, e.ScheduledFor)
	if _, ok := s.fires[key]; ok {
		return ErrDuplicate
	}

	if err := s.append(e); err != nil {
		return err
	}
	s.fires[key] = e
	return nil
}

func (s *fileStore) Finalize(ctx context.Context, e Execution) error {
	_ = ctx
	if err := validateReserve(e); err != nil {
		return err
	}
	if !e.Finalized() {
		return errors.New("finalize requires finished_at")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}

	key := fireKey(e.TaskID, e.ScheduledFor)
	prev, ok := s.fires[key]
	if ok && prev.Finalized() {
		return ErrAlreadyFinalized
	}

	if err := s.append(e); err != nil {
		return err
	}
	s.fires[key] = e
	return nil
}

func (s *fileStore) History(ctx context.Context, taskID string, limit int) ([]Execution, error) {
	_ = ctx
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Execution, 0, limit)
	for _, e := range s.fires {
		if !e.Finalized() {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) append(e Execution) error {
	enc := json.NewEncoder(s.journal)
	if err := enc.Encode(e); err != nil {
		return err
	}
	return s.journal.Sync()
}
