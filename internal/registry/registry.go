// Package registry tracks the chats the bot has joined.
//
// Reads are served from memory. Every mutation builds the next state, flushes
// it to the backing store, and only then commits it in memory, so a failed
// flush leaves both sides unchanged.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"broadcastbot/internal/storage"
	logx "broadcastbot/pkg/logx"
)

type Chat = storage.ChatRecord

type Registry struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	records map[int64]Chat
}

type Option func(*Registry)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open loads the registry from store. Corrupt persisted data is logged and
// treated as an empty registry.
func Open(ctx context.Context, store storage.Store, log logx.Logger, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry: store is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		store:   store,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		records: map[int64]Chat{},
	}
	for _, o := range opts {
		o(r)
	}

	recs, err := store.LoadChats(ctx)
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		log.Warn("chat registry unreadable; starting empty", logx.Err(err))
	case err != nil:
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	for _, rec := range recs {
		r.records[rec.ChatID] = rec
	}
	log.Info("chat registry loaded", logx.Int("chats", len(r.records)))
	return r, nil
}

// Upsert creates an enabled record for an unknown chat, or refreshes the
// title, type and timestamp of a known one. Enabled is never changed here.
func (r *Registry) Upsert(ctx context.Context, chatID int64, title, chatType string) (Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[chatID]
	if !ok {
		rec = Chat{ChatID: chatID, Enabled: true}
	}
	if title != "" {
		rec.Title = title
	}
	if chatType != "" {
		rec.ChatType = chatType
	}
	rec.UpdatedAt = r.now()

	if err := r.commitLocked(ctx, func(m map[int64]Chat) { m[chatID] = rec }); err != nil {
		return Chat{}, err
	}
	return rec, nil
}

// Remove deletes the record. Removing an unknown chat is a no-op.
func (r *Registry) Remove(ctx context.Context, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[chatID]; !ok {
		return nil
	}
	return r.commitLocked(ctx, func(m map[int64]Chat) { delete(m, chatID) })
}

// SetEnabled reports false without side effects when chatID is unknown.
func (r *Registry) SetEnabled(ctx context.Context, chatID int64, enabled bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[chatID]
	if !ok {
		return false, nil
	}
	rec.Enabled = enabled
	rec.UpdatedAt = r.now()
	if err := r.commitLocked(ctx, func(m map[int64]Chat) { m[chatID] = rec }); err != nil {
		return false, err
	}
	return true, nil
}

// Migrate moves a record to a new chat id (group upgraded to supergroup),
// keeping its enabled flag. It reports false when from is unknown.
func (r *Registry) Migrate(ctx context.Context, from, to int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[from]
	if !ok {
		return false, nil
	}
	rec.ChatID = to
	rec.UpdatedAt = r.now()
	err := r.commitLocked(ctx, func(m map[int64]Chat) {
		delete(m, from)
		m[to] = rec
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) Get(chatID int64) (Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[chatID]
	return rec, ok
}

// List returns every record ordered by case-insensitive title, then chat id.
func (r *Registry) List() []Chat {
	r.mu.Lock()
	out := make([]Chat, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()
	sortChats(out)
	return out
}

func (r *Registry) EnabledIDs() map[int64]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]struct{}, len(r.records))
	for id, rec := range r.records {
		if rec.Enabled {
			out[id] = struct{}{}
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// commitLocked applies mutate to a copy of the records, flushes the copy and
// swaps it in. r.mu must be held.
func (r *Registry) commitLocked(ctx context.Context, mutate func(map[int64]Chat)) error {
	next := make(map[int64]Chat, len(r.records)+1)
	for id, rec := range r.records {
		next[id] = rec
	}
	mutate(next)

	snapshot := make([]Chat, 0, len(next))
	for _, rec := range next {
		snapshot = append(snapshot, rec)
	}
	sortChats(snapshot)
	if err := r.store.SaveChats(ctx, snapshot); err != nil {
		return fmt.Errorf("registry: flush: %w", err)
	}
	r.records = next
	return nil
}

func sortChats(cs []Chat) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := strings.ToLower(cs[i].Title), strings.ToLower(cs[j].Title)
		if a != b {
			return a < b
		}
		return cs[i].ChatID < cs[j].ChatID
	})
}
