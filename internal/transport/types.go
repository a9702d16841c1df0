package transport

import "context"

type UpdateKind string

const (
	UpdateMessage   UpdateKind = "message"
	UpdateCallback  UpdateKind = "callback"
	UpdateMember    UpdateKind = "member"
	UpdateTitle     UpdateKind = "title"
	UpdateMigration UpdateKind = "migration"
)

type Update struct {
	Kind      UpdateKind
	Message   *Message
	Callback  *Callback
	Member    *MemberChange
	Migration *Migration
}

// ConversationKey returns the chat the update belongs to. The dispatcher uses
// it to keep updates of one chat in arrival order.
func (u Update) ConversationKey() int64 {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID
	case u.Callback != nil:
		return u.Callback.ChatID
	case u.Member != nil:
		return u.Member.Chat.ID
	case u.Migration != nil:
		return u.Migration.From
	}
	return 0
}

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSuperGroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// Chat is the platform view of a chat at the time of an update.
type Chat struct {
	ID    int64
	Type  ChatType
	Title string
}

type Message struct {
	ID           int
	Chat         Chat
	FromID       int64
	FromUsername string
	Text         string
}

func (m *Message) Private() bool { return m != nil && m.Chat.Type == ChatPrivate }

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// MemberStatus mirrors Telegram's chat member statuses for the bot itself.
type MemberStatus string

const (
	StatusCreator       MemberStatus = "creator"
	StatusAdministrator MemberStatus = "administrator"
	StatusMember        MemberStatus = "member"
	StatusRestricted    MemberStatus = "restricted"
	StatusLeft          MemberStatus = "left"
	StatusKicked        MemberStatus = "kicked"
)

// Joined reports whether the status means the bot can post into the chat.
func (s MemberStatus) Joined() bool {
	return s == StatusMember || s == StatusAdministrator || s == StatusCreator
}

// Gone reports whether the bot is no longer part of the chat.
func (s MemberStatus) Gone() bool { return s == StatusLeft || s == StatusKicked }

// MemberChange is a my_chat_member notification: the bot's own status in a
// chat changed.
type MemberChange struct {
	Chat   Chat
	FromID int64
	Old    MemberStatus
	New    MemberStatus
}

// Migration is sent when a group is upgraded to a supergroup.
type Migration struct {
	From int64
	To   int64
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	EditMarkup(ctx context.Context, ref MessageRef, opt *SendOptions) error
	CopyMessage(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
