// Package broadcast implements the admin broadcast dialog: prompt for a
// message, let the admin pick target chats, then copy the message into each
// of them.
//
// Sessions live in memory only and are keyed by conversation. A restart
// drops every in-flight broadcast.
package broadcast

import (
	"errors"
	"sort"

	"broadcastbot/internal/transport"
)

type State int

const (
	Idle State = iota
	AwaitingMessage
	AwaitingSelection
)

func (s State) String() string {
	switch s {
	case AwaitingMessage:
		return "awaiting_message"
	case AwaitingSelection:
		return "awaiting_selection"
	default:
		return "idle"
	}
}

// ErrNoSession is returned when an action needs a session in a state the
// conversation is not in.
var ErrNoSession = errors.New("broadcast: no active session")

// Key identifies an admin conversation.
type Key struct {
	ChatID int64
	UserID int64
}

type Session struct {
	State     State
	Source    transport.MessageRef
	Selected  map[int64]struct{}
	Selection transport.MessageRef
	// Page is the keyboard page currently shown, 0-based.
	Page int
}

func (s Session) clone() Session {
	out := s
	out.Selected = make(map[int64]struct{}, len(s.Selected))
	for id := range s.Selected {
		out.Selected[id] = struct{}{}
	}
	return out
}

// SelectedIDs returns the selection sorted by chat id.
func (s Session) SelectedIDs() []int64 {
	ids := make([]int64, 0, len(s.Selected))
	for id := range s.Selected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
