package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// UpdateBuffer is unused by the adapter itself; the app sizes the
	// update channel with it.
	UpdateBuffer int
}

// allowedUpdates limits getUpdates to what the bot handles. Title changes and
// migrations arrive as service messages.
var allowedUpdates = []string{"message", "callback_query", "my_chat_member"}
