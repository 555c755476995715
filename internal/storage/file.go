package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "rulekit/pkg/logx"
)

const (
	compactEvery   = 1000 // state journal writes between snapshots
	recentCommands = 1000 // commands kept in memory for RecentCommands
)

// fileStore persists to plain files next to Path:
//   - <prefix>.commands.jsonl      (append-only JSON Lines)
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The state journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	commandsFile *os.File
	recent       []CommandRecord // oldest first, bounded

	snapshotPath string
	journalFile  *os.File
	states       map[string]ItemState
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	commandsPath := prefix + ".commands.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	states := map[string]ItemState{}
	if err := loadSnapshot(snapPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}
	recent, err := tailCommands(commandsPath, recentCommands)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("command journal unreadable", logx.String("path", commandsPath), logx.Err(err))
	}

	cf, err := os.OpenFile(commandsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = cf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("states", len(states)))
	return &fileStore{
		log:          log,
		commandsFile: cf,
		recent:       recent,
		snapshotPath: snapPath,
		journalFile:  jf,
		states:       states,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.commandsFile != nil {
		errs = append(errs, s.commandsFile.Close())
		s.commandsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutState(_ context.Context, st ItemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.states[st.Target] = st
	if err := json.NewEncoder(s.journalFile).Encode(st); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetState(_ context.Context, target string) (ItemState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[target]
	return st, ok, nil
}

func (s *fileStore) AppendCommand(_ context.Context, rec CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commandsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.commandsFile).Encode(rec); err != nil {
		return err
	}
	s.recent = appendBounded(s.recent, rec, recentCommands)
	return nil
}

func (s *fileStore) RecentCommands(_ context.Context, target string, limit int) ([]CommandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CommandRecord
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if target == "" || s.recent[i].Target == target {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.states); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]ItemState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]ItemState
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]ItemState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var st ItemState
		if err := json.Unmarshal(sc.Bytes(), &st); err != nil || st.Target == "" {
			// torn write
			continue
		}
		out[st.Target] = st
	}
	return sc.Err()
}

func tailCommands(path string, keep int) ([]CommandRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []CommandRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec CommandRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = appendBounded(out, rec, keep)
	}
	return out, sc.Err()
}

func appendBounded(s []CommandRecord, rec CommandRecord, keep int) []CommandRecord {
	s = append(s, rec)
	if len(s) > keep {
		s = append(s[:0], s[len(s)-keep:]...)
	}
	return s
}
