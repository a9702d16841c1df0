package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "broadcastbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqliteTime is fixed-width so that text comparison orders timestamps.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, title, chat_type, enabled, updated_at FROM chats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var (
			r       ChatRecord
			enabled int
			at      string
		)
		if err := rows.Scan(&r.ChatID, &r.Title, &r.ChatType, &enabled, &at); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		r.Enabled = enabled != 0
		if r.UpdatedAt, err = time.Parse(sqliteTime, at); err != nil {
			return nil, fmt.Errorf("%w: chat %d updated_at %q: %v", ErrCorrupt, r.ChatID, at, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveChats replaces every row in one transaction.
func (s *sqliteStore) SaveChats(ctx context.Context, records []ChatRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM chats`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chats(chat_id, title, chat_type, enabled, updated_at) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err = stmt.ExecContext(ctx, r.ChatID, r.Title, r.ChatType, boolInt(r.Enabled), r.UpdatedAt.UTC().Format(sqliteTime)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, chat_id, action, ok, fail, detail) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(sqliteTime), e.ActorID, e.ChatID, e.Action, e.OK, e.Fail, nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UTC().Format(sqliteTime))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: rows affected: %w", err)
	}
	return int(n), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
