package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "rulekit/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// commandLogKeep bounds the command_log table; older rows are pruned.
const commandLogKeep = 10000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutState(ctx context.Context, st ItemState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO item_state(target, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(target) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		st.Target, st.Value, st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetState(ctx context.Context, target string) (ItemState, bool, error) {
	if s == nil || s.db == nil {
		return ItemState{}, false, ErrDisabled
	}
	var (
		value string
		ms    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, updated_at FROM item_state WHERE target = ?`, target).Scan(&value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemState{}, false, nil
	}
	if err != nil {
		return ItemState{}, false, err
	}
	return ItemState{Target: target, Value: value, UpdatedAt: time.UnixMilli(ms)}, true, nil
}

func (s *sqliteStore) AppendCommand(ctx context.Context, rec CommandRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_log(at, target, value, source) VALUES(?,?,?,?)`,
		rec.At.UnixMilli(), rec.Target, rec.Value, nullStr(rec.Source),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("command log prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentCommands(ctx context.Context, target string, limit int) ([]CommandRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if target == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT at, target, value, source FROM command_log ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT at, target, value, source FROM command_log WHERE target = ? ORDER BY id DESC LIMIT ?`, target, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CommandRecord, 0, limit)
	for rows.Next() {
		var (
			ms     int64
			rec    CommandRecord
			source sql.NullString
		)
		if err := rows.Scan(&ms, &rec.Target, &rec.Value, &source); err != nil {
			return nil, err
		}
		rec.At = time.UnixMilli(ms)
		rec.Source = source.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM command_log WHERE id <= (SELECT MAX(id) FROM command_log) - ?`, commandLogKeep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
