package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"broadcastbot/internal/broadcast"
	"broadcastbot/internal/eventbus"
	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

const (
	textSending     = "Sending…"
	textFailed      = "Failed: %v"
	textFailedShort = "Failed."
	textGreeting    = "Hi! Use /broadcast to send a broadcast and /chats to manage the chat list."
	textEmptyList   = "The chat list is empty. Add the bot to the chats you need."
	textNotANumber  = "chat_id must be a number"
	textNotFound    = "Chat not found in the registry."
	textForgotten   = "Chat removed from the registry."
	textStorageFail = "Storage error, the change was not saved."
)

// sendTimeout bounds a whole fan-out, which runs one copy per selected chat.
const sendTimeout = 10 * time.Minute

// DefaultCommands returns the bot's command table. help renders from the
// dispatcher's installed table, so it always matches what is routed.
func (d *Dispatcher) DefaultCommands() []Command {
	return []Command{
		{Name: "start", Description: "greeting", Access: AccessEveryone, Handle: cmdStart},
		{Name: "help", Description: "list commands", Access: AccessEveryone, Handle: d.cmdHelp},
		{Name: "chats", Description: "list known chats", Access: AccessAdmin, Handle: cmdChats},
		{Name: "enable", Description: "include a chat in broadcasts by default", Usage: "/enable <chat_id>", Access: AccessAdmin, Handle: cmdSetEnabled(true)},
		{Name: "disable", Description: "exclude a chat from broadcasts by default", Usage: "/disable <chat_id>", Access: AccessAdmin, Handle: cmdSetEnabled(false)},
		{Name: "forget", Description: "remove a chat from the registry", Usage: "/forget <chat_id>", Access: AccessAdmin, Handle: cmdForget},
		{Name: "broadcast", Description: "start a broadcast", Access: AccessAdmin, Handle: cmdBroadcast},
		{Name: "cancel", Description: "cancel the current broadcast", Access: AccessAdmin, Handle: cmdCancel},
	}
}

func DefaultCallbacks() []CallbackRoute {
	return []CallbackRoute{
		{Scope: broadcast.CallbackScope, Action: broadcast.ActionToggle, Access: AccessAdmin, Timeout: defaultCommandTimeout, Handle: cbToggle},
		{Scope: broadcast.CallbackScope, Action: broadcast.ActionPage, Access: AccessAdmin, Timeout: defaultCommandTimeout, Handle: cbPage},
		{Scope: broadcast.CallbackScope, Action: broadcast.ActionSend, Access: AccessAdmin, Timeout: sendTimeout, Handle: cbSend},
		{Scope: broadcast.CallbackScope, Action: broadcast.ActionCancel, Access: AccessAdmin, Timeout: defaultCommandTimeout, Handle: cbCancel},
	}
}

func cmdStart(ctx context.Context, req *Request) error {
	return req.Reply(ctx, textGreeting)
}

func (d *Dispatcher) cmdHelp(ctx context.Context, req *Request) error {
	return req.ReplyHTML(ctx, helpText(d.Commands()))
}

func cmdChats(ctx context.Context, req *Request) error {
	records := req.Deps.Registry.List()
	if len(records) == 0 {
		return req.Reply(ctx, textEmptyList)
	}
	rows := make([]string, 0, len(records))
	for _, r := range records {
		status := "OFF"
		if r.Enabled {
			status = "ON"
		}
		rows = append(rows, fmt.Sprintf("%s | %s | %d", status, r.Title, r.ChatID))
	}
	return req.Reply(ctx, strings.Join(rows, "\n"))
}

// chatIDArg parses the first argument. It replies and reports false when the
// argument is missing or not a number.
func chatIDArg(ctx context.Context, req *Request) (int64, bool) {
	if len(req.Args) == 0 {
		_ = req.Reply(ctx, fmt.Sprintf("Specify a chat_id, for example /%s -123456", req.Command))
		return 0, false
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		_ = req.Reply(ctx, textNotANumber)
		return 0, false
	}
	return id, true
}

func cmdSetEnabled(enabled bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		id, ok := chatIDArg(ctx, req)
		if !ok {
			return nil
		}
		found, err := req.Deps.Registry.SetEnabled(ctx, id, enabled)
		if err != nil {
			_ = req.Reply(ctx, textStorageFail)
			return replied(err)
		}
		if !found {
			return req.Reply(ctx, textNotFound)
		}
		rec, _ := req.Deps.Registry.Get(id)
		req.Deps.publish(eventbus.ChatToggled, eventbus.ChatEvent{ActorID: req.FromID, ChatID: id, Title: rec.Title, Enabled: enabled})
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		return req.Reply(ctx, fmt.Sprintf("Chat %d %s for broadcasts.", id, state))
	}
}

func cmdForget(ctx context.Context, req *Request) error {
	id, ok := chatIDArg(ctx, req)
	if !ok {
		return nil
	}
	rec, known := req.Deps.Registry.Get(id)
	if err := req.Deps.Registry.Remove(ctx, id); err != nil {
		_ = req.Reply(ctx, textStorageFail)
		return replied(err)
	}
	if known {
		req.Deps.publish(eventbus.ChatForgotten, eventbus.ChatEvent{ActorID: req.FromID, ChatID: id, Title: rec.Title})
	}
	return req.Reply(ctx, textForgotten)
}

func cmdBroadcast(ctx context.Context, req *Request) error {
	return req.Deps.Flow.Start(ctx, req.Key())
}

func cmdCancel(ctx context.Context, req *Request) error {
	ended, err := req.Deps.Flow.Cancel(ctx, req.Key(), false)
	if ended {
		req.Deps.publish(eventbus.BroadcastCancelled, eventbus.BroadcastEvent{ActorID: req.FromID})
	}
	return err
}

func cbToggle(ctx context.Context, req *Request, payload string) error {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return fmt.Errorf("toggle payload %q: %w", payload, err)
	}
	return req.Deps.Flow.Toggle(ctx, req.Key(), id)
}

func cbPage(ctx context.Context, req *Request, payload string) error {
	page, err := strconv.Atoi(payload)
	if err != nil {
		return fmt.Errorf("page payload %q: %w", payload, err)
	}
	return req.Deps.Flow.Page(ctx, req.Key(), page)
}

// cbSend answers the button before the fan-out, which can outlast the
// callback query's lifetime.
func cbSend(ctx context.Context, req *Request, _ string) error {
	if req.Deps.Flow.State(req.Key()) != broadcast.AwaitingSelection {
		return broadcast.ErrNoSession
	}
	_ = req.Ack(ctx, textSending)
	res, err := req.Deps.Flow.Send(ctx, req.Key())
	if errors.Is(err, broadcast.ErrNoSession) {
		return err
	}
	req.Deps.publish(eventbus.BroadcastSent, eventbus.BroadcastEvent{ActorID: req.FromID, OK: res.Sent, Fail: len(res.Failures)})
	return err
}

func cbCancel(ctx context.Context, req *Request, _ string) error {
	ended, err := req.Deps.Flow.Cancel(ctx, req.Key(), true)
	if ended {
		req.Deps.publish(eventbus.BroadcastCancelled, eventbus.BroadcastEvent{ActorID: req.FromID})
	}
	return err
}

// onMemberChange tracks the bot's own membership. Join-like statuses upsert
// the chat, leave-like statuses remove it.
func (d *Dispatcher) onMemberChange(ctx context.Context, mc *kit.MemberChange) {
	if mc == nil {
		return
	}
	log := d.log.With(logx.Int64("chat_id", mc.Chat.ID), logx.String("status", string(mc.New)))
	switch {
	case mc.New.Joined():
		rec, err := d.deps.Registry.Upsert(ctx, mc.Chat.ID, mc.Chat.Title, string(mc.Chat.Type))
		if err != nil {
			log.Warn("chat registry update failed", logx.Err(err))
			return
		}
		log.Info("bot added to chat", logx.String("title", rec.Title))
		d.deps.publish(eventbus.ChatJoined, eventbus.ChatEvent{ActorID: mc.FromID, ChatID: rec.ChatID, Title: rec.Title, Enabled: rec.Enabled})
	case mc.New.Gone():
		if err := d.deps.Registry.Remove(ctx, mc.Chat.ID); err != nil {
			log.Warn("chat registry update failed", logx.Err(err))
			return
		}
		log.Info("bot removed from chat")
		d.deps.publish(eventbus.ChatLeft, eventbus.ChatEvent{ActorID: mc.FromID, ChatID: mc.Chat.ID, Title: mc.Chat.Title})
	default:
		log.Debug("membership change ignored")
	}
}

// onTitleChange refreshes the title of a chat the registry already knows.
func (d *Dispatcher) onTitleChange(ctx context.Context, msg *kit.Message) {
	if msg == nil || msg.Chat.Title == "" {
		return
	}
	if _, ok := d.deps.Registry.Get(msg.Chat.ID); !ok {
		return
	}
	if _, err := d.deps.Registry.Upsert(ctx, msg.Chat.ID, msg.Chat.Title, string(msg.Chat.Type)); err != nil {
		d.log.Warn("chat title update failed", logx.Int64("chat_id", msg.Chat.ID), logx.Err(err))
	}
}

func (d *Dispatcher) onMigration(ctx context.Context, m *kit.Migration) {
	if m == nil {
		return
	}
	moved, err := d.deps.Registry.Migrate(ctx, m.From, m.To)
	if err != nil {
		d.log.Warn("chat migration failed", logx.Int64("from", m.From), logx.Int64("to", m.To), logx.Err(err))
		return
	}
	if !moved {
		return
	}
	// Migrations always produce a supergroup.
	rec, err := d.deps.Registry.Upsert(ctx, m.To, "", string(kit.ChatSuperGroup))
	if err != nil {
		d.log.Warn("chat type update failed", logx.Int64("chat_id", m.To), logx.Err(err))
	}
	d.log.Info("chat migrated", logx.Int64("from", m.From), logx.Int64("to", m.To))
	d.deps.publish(eventbus.ChatMigrated, eventbus.ChatEvent{ChatID: m.To, FromID: m.From, Title: rec.Title, Enabled: rec.Enabled})
}
