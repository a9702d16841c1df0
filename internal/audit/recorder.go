// Package audit persists chat and broadcast events and prunes old entries.
package audit

import (
	"context"
	"fmt"
	"time"

	"broadcastbot/internal/eventbus"
	"broadcastbot/internal/storage"
	logx "broadcastbot/pkg/logx"
)

// Recorder appends every chat.* and broadcast.* event to the store's audit log.
type Recorder struct {
	bus   eventbus.Bus
	store storage.Store
	log   logx.Logger
}

func NewRecorder(bus eventbus.Bus, store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{bus: bus, store: store, log: log.With(logx.String("comp", "audit"))}
}

// Listen subscribes right away and returns the loop consuming the events
// until ctx is done. Write failures are logged and the event is skipped.
func (r *Recorder) Listen() func(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(128)
	return func(ctx context.Context) error {
		defer unsub()
		r.consume(ctx, events)
		return nil
	}
}

func (r *Recorder) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := Entry(e)
			if !ok {
				r.log.Debug("event not audited", logx.String("type", e.Type))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				r.log.Warn("audit append failed", logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}

// Entry maps a bus event to an audit entry. It reports false for events
// with an unknown payload.
func Entry(e eventbus.Event) (storage.AuditEntry, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := storage.AuditEntry{At: at.UTC(), Action: e.Type}
	switch d := e.Data.(type) {
	case eventbus.ChatEvent:
		entry.ActorID = d.ActorID
		entry.ChatID = d.ChatID
		switch e.Type {
		case eventbus.ChatMigrated:
			entry.Detail = fmt.Sprintf("from %d", d.FromID)
		case eventbus.ChatToggled:
			entry.Detail = fmt.Sprintf("enabled=%t", d.Enabled)
		default:
			entry.Detail = d.Title
		}
	case eventbus.BroadcastEvent:
		entry.ActorID = d.ActorID
		entry.OK = d.OK
		entry.Fail = d.Fail
	default:
		return storage.AuditEntry{}, false
	}
	return entry, true
}
