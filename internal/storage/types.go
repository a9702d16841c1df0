package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt is returned by LoadChats when persisted data exists but cannot be decoded.
var ErrCorrupt = errors.New("storage: corrupt chat registry")

var ErrClosed = errors.New("storage: closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON registry file + JSONL audit log (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChatRecord is one chat the bot participates in. The JSON layout is the
// on-disk format of the file driver.
type ChatRecord struct {
	ChatID    int64     `json:"chat_id"`
	Title     string    `json:"title"`
	ChatType  string    `json:"chat_type"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records an operator action or a membership change.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID int64     `json:"actor_id,omitempty"`
	ChatID  int64     `json:"chat_id,omitempty"`
	Action  string    `json:"action"`
	OK      int       `json:"ok,omitempty"`
	Fail    int       `json:"fail,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Store is the persistence API used by the registry and the audit consumer.
type Store interface {
	// LoadChats returns the persisted registry. Missing data yields an empty
	// slice; undecodable data yields an error wrapping ErrCorrupt.
	LoadChats(ctx context.Context) ([]ChatRecord, error)
	// SaveChats replaces the whole persisted registry with records.
	SaveChats(ctx context.Context, records []ChatRecord) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	// PruneAudit drops audit entries older than before and reports how many were removed.
	PruneAudit(ctx context.Context, before time.Time) (int, error)

	Close() error
}
