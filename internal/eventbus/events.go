package eventbus

const (
	ChatJoined         = "chat.joined"
	ChatLeft           = "chat.left"
	ChatMigrated       = "chat.migrated"
	ChatToggled        = "chat.toggled"
	ChatForgotten      = "chat.forgotten"
	BroadcastSent      = "broadcast.sent"
	BroadcastCancelled = "broadcast.cancelled"
)

// ChatEvent is the payload of the chat.* events.
type ChatEvent struct {
	ActorID int64
	ChatID  int64
	Title   string
	Enabled bool
	// FromID is set for chat.migrated.
	FromID int64
}

// BroadcastEvent is the payload of the broadcast.* events.
type BroadcastEvent struct {
	ActorID int64
	OK      int
	Fail    int
}
