package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "broadcastbot/pkg/logx"
)

// fileStore keeps the registry in a JSON file that is rewritten on every
// save, and the audit log next to it.
//
// Files:
//   - <path>                  (JSON array of ChatRecord)
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	chatsPath string
	auditPath string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	auditPath := filepath.Join(dir, base) + ".audit.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: open audit log: %w", err)
	}
	return &fileStore{log: log, chatsPath: path, auditPath: auditPath, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.chatsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var out []ChatRecord
	if err := json.Unmarshal(b, &out); err != nil {
		// Keep a copy of the unreadable content; the next save overwrites the file.
		backup := s.chatsPath + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		if werr := os.WriteFile(backup, b, 0o600); werr != nil {
			s.log.Warn("failed to back up corrupt registry", logx.String("path", backup), logx.Err(werr))
			backup = ""
		}
		return nil, fmt.Errorf("%w: %s: %v (backup %q)", ErrCorrupt, s.chatsPath, err, backup)
	}
	return out, nil
}

func (s *fileStore) SaveChats(ctx context.Context, records []ChatRecord) error {
	_ = ctx
	if records == nil {
		records = []ChatRecord{}
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.chatsPath, b)
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path, so readers never observe a partial registry.
func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, ErrClosed
	}

	f, err := os.Open(s.auditPath)
	if err != nil {
		return 0, err
	}
	var kept bytes.Buffer
	removed := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.At.Before(before) {
			removed++
			continue
		}
		kept.Write(sc.Bytes())
		kept.WriteByte('\n')
	}
	_ = f.Close()
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	if err := s.auditFile.Close(); err != nil {
		s.log.Debug("audit log close failed", logx.Err(err))
	}
	s.auditFile = nil
	werr := writeFileAtomic(s.auditPath, kept.Bytes())
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.auditFile = af
	if werr != nil {
		return 0, werr
	}
	return removed, nil
}
