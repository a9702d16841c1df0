package router

import (
	"context"
	"errors"
	"time"

	"broadcastbot/internal/broadcast"
	"broadcastbot/internal/eventbus"
	"broadcastbot/internal/storage"
	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

// ErrUnauthorized is returned by the admin guard. The dispatcher answers it
// with the owner-only reply.
var ErrUnauthorized = errors.New("router: admin only")

// repliedError marks a failure the handler already reported to the user.
type repliedError struct{ err error }

func (e repliedError) Error() string { return e.err.Error() }
func (e repliedError) Unwrap() error { return e.err }

// replied wraps err so the dispatcher does not send its generic failure reply.
func replied(err error) error {
	if err == nil {
		return nil
	}
	return repliedError{err: err}
}

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline button data of the form "scope:action:payload".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

// ChatRegistry is the registry surface handlers use.
type ChatRegistry interface {
	Upsert(ctx context.Context, chatID int64, title, chatType string) (storage.ChatRecord, error)
	Remove(ctx context.Context, chatID int64) error
	SetEnabled(ctx context.Context, chatID int64, enabled bool) (bool, error)
	Migrate(ctx context.Context, from, to int64) (bool, error)
	Get(chatID int64) (storage.ChatRecord, bool)
	List() []storage.ChatRecord
	EnabledIDs() map[int64]struct{}
}

// Deps is the application state every handler invocation receives. It is
// built once at startup.
type Deps struct {
	AdminID  int64
	Adapter  kit.Adapter
	Registry ChatRegistry
	Flow     *broadcast.Flow
	Bus      eventbus.Bus
}

func (d *Deps) publish(typ string, data any) {
	if d == nil || d.Bus == nil {
		return
	}
	d.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string
	ReqID   string

	Deps   *Deps
	Logger logx.Logger

	// answered is set once the callback query has been answered.
	answered bool
}

// Key returns the broadcast conversation the request belongs to.
func (r *Request) Key() broadcast.Key {
	return broadcast.Key{ChatID: r.Chat.ChatID, UserID: r.FromID}
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Deps.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Deps.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

// Ack answers the request's callback query right away. Handlers doing long
// work call it first so the button spinner stops before the query expires.
// Later answers for the same request are skipped.
func (r *Request) Ack(ctx context.Context, text string) error {
	if r.answered || r.Update.Callback == nil {
		return nil
	}
	r.answered = true
	return r.Deps.Adapter.AnswerCallback(ctx, r.Update.Callback.ID, text)
}
