package broadcast

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"broadcastbot/internal/storage"
	"broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
	"broadcastbot/pkg/tgui"
)

// CallbackScope prefixes the callback data of the selection keyboard.
const CallbackScope = "bc"

const (
	ActionToggle = "toggle"
	ActionSend   = "send"
	ActionCancel = "cancel"
	ActionPage   = "page"
)

const (
	labelMaxRunes = 60
	// pageSize chats per keyboard page; with the navigation and action rows
	// a page stays well under tgui.MaxInlineButtons.
	pageSize = 20
)

const (
	textPrompt       = "Send me the message to broadcast. Media is fine."
	textNoChats      = "No chats to broadcast to. Add the bot to some chats and try again."
	textPick         = "Pick the target chats, then press Send."
	textNothingPick  = "No chats selected, broadcast cancelled."
	textCancelled    = "Broadcast cancelled."
	textNothingToEnd = "Nothing to cancel."
)

// ChatSource is the read side of the chat registry.
type ChatSource interface {
	List() []storage.ChatRecord
	EnabledIDs() map[int64]struct{}
}

type Messenger interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	EditMarkup(ctx context.Context, ref transport.MessageRef, opt *transport.SendOptions) error
	CopyMessage(ctx context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error)
}

type Flow struct {
	chats ChatSource
	msgr  Messenger
	log   logx.Logger

	mu       sync.Mutex
	sessions map[Key]Session
}

func New(chats ChatSource, msgr Messenger, log logx.Logger) *Flow {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{
		chats:    chats,
		msgr:     msgr,
		log:      log.With(logx.String("comp", "broadcast")),
		sessions: map[Key]Session{},
	}
}

func (f *Flow) State(key Key) State {
	s, _ := f.session(key)
	return s.State
}

// Session returns a copy of the conversation's session, if any.
func (f *Flow) Session(key Key) (Session, bool) { return f.session(key) }

func (f *Flow) session(key Key) (Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	if !ok {
		return Session{State: Idle}, false
	}
	return s.clone(), true
}

func (f *Flow) put(key Key, s Session) {
	f.mu.Lock()
	f.sessions[key] = s
	f.mu.Unlock()
}

func (f *Flow) drop(key Key) {
	f.mu.Lock()
	delete(f.sessions, key)
	f.mu.Unlock()
}

// Start opens a session waiting for the message to broadcast. Any earlier
// session of the conversation is discarded.
func (f *Flow) Start(ctx context.Context, key Key) error {
	f.put(key, Session{State: AwaitingMessage})
	_, err := f.msgr.SendText(ctx, transport.ChatTarget{ChatID: key.ChatID}, textPrompt, nil)
	return err
}

// Capture takes msg as the broadcast source when the conversation is waiting
// for one. It reports false when msg was not consumed.
func (f *Flow) Capture(ctx context.Context, key Key, msg *transport.Message) (bool, error) {
	s, ok := f.session(key)
	if !ok || s.State != AwaitingMessage || msg == nil {
		return false, nil
	}
	to := transport.ChatTarget{ChatID: key.ChatID}

	records := f.chats.List()
	if len(records) == 0 {
		f.drop(key)
		_, err := f.msgr.SendText(ctx, to, textNoChats, nil)
		return true, err
	}

	selected := f.chats.EnabledIDs()
	if len(selected) == 0 {
		for _, r := range records {
			selected[r.ChatID] = struct{}{}
		}
	}
	// A failed render ends the session; the admin starts over with /broadcast.
	markup, _, err := selectionKeyboard(records, selected, 0)
	if err != nil {
		f.drop(key)
		return true, fmt.Errorf("selection keyboard: %w", err)
	}
	ref, err := f.msgr.SendText(ctx, to, textPick, &transport.SendOptions{ReplyMarkupAdapter: markup})
	if err != nil {
		f.drop(key)
		return true, fmt.Errorf("send selection: %w", err)
	}

	f.put(key, Session{
		State:     AwaitingSelection,
		Source:    transport.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID},
		Selected:  selected,
		Selection: ref,
	})
	f.log.Debug("broadcast source captured",
		logx.Int64("chat_id", msg.Chat.ID),
		logx.Int("message_id", msg.ID),
		logx.Int("selected", len(selected)),
	)
	return true, nil
}

// Toggle flips chatID in the selection and redraws the current page against
// the current registry contents.
func (f *Flow) Toggle(ctx context.Context, key Key, chatID int64) error {
	return f.update(ctx, key, func(s *Session) {
		if _, on := s.Selected[chatID]; on {
			delete(s.Selected, chatID)
		} else {
			s.Selected[chatID] = struct{}{}
		}
	})
}

// Page switches the selection keyboard to page. Out-of-range pages are
// clamped to the nearest one.
func (f *Flow) Page(ctx context.Context, key Key, page int) error {
	return f.update(ctx, key, func(s *Session) { s.Page = page })
}

// update mutates an AwaitingSelection session and redraws its keyboard. A
// failed redraw keeps the session: the previous keyboard is still usable.
func (f *Flow) update(ctx context.Context, key Key, mutate func(*Session)) error {
	records := f.chats.List()

	f.mu.Lock()
	s, ok := f.sessions[key]
	if !ok || s.State != AwaitingSelection {
		f.mu.Unlock()
		return ErrNoSession
	}
	mutate(&s)
	markup, page, err := selectionKeyboard(records, s.Selected, s.Page)
	if err != nil {
		f.mu.Unlock()
		return fmt.Errorf("selection keyboard: %w", err)
	}
	s.Page = page
	f.sessions[key] = s
	snap := s.clone()
	f.mu.Unlock()

	if err := f.msgr.EditMarkup(ctx, snap.Selection, &transport.SendOptions{ReplyMarkupAdapter: markup}); err != nil {
		return fmt.Errorf("update selection: %w", err)
	}
	return nil
}

type Failure struct {
	ChatID int64
	Err    error
}

type Result struct {
	Sent     int
	Failures []Failure
}

// Summary renders the delivery report shown to the admin.
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message delivered to %d chat(s).", r.Sent)
	if len(r.Failures) > 0 {
		b.WriteString("\nErrors:")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "\n%d: %v", f.ChatID, f.Err)
		}
	}
	return b.String()
}

// Send copies the source message into every selected chat and replaces the
// selection message with a summary. The session ends whatever the outcome.
func (f *Flow) Send(ctx context.Context, key Key) (Result, error) {
	s, ok := f.session(key)
	if !ok || s.State != AwaitingSelection {
		return Result{}, ErrNoSession
	}
	f.drop(key)

	if len(s.Selected) == 0 {
		return Result{}, f.report(ctx, key, s.Selection, textNothingPick)
	}

	var res Result
	for _, id := range s.SelectedIDs() {
		if _, err := f.msgr.CopyMessage(ctx, transport.ChatTarget{ChatID: id}, s.Source); err != nil {
			f.log.Warn("broadcast delivery failed", logx.Int64("chat_id", id), logx.Err(err))
			res.Failures = append(res.Failures, Failure{ChatID: id, Err: err})
			continue
		}
		res.Sent++
	}
	f.log.Info("broadcast finished", logx.Int("sent", res.Sent), logx.Int("failed", len(res.Failures)))
	return res, f.report(ctx, key, s.Selection, res.Summary())
}

// report replaces the selection message with text, or sends text as a new
// message when the edit fails, so the outcome always reaches the admin.
func (f *Flow) report(ctx context.Context, key Key, ref transport.MessageRef, text string) error {
	err := f.msgr.EditText(ctx, ref, text, nil)
	if err == nil {
		return nil
	}
	f.log.Warn("selection edit failed; replying instead", logx.Err(err))
	if _, serr := f.msgr.SendText(ctx, transport.ChatTarget{ChatID: key.ChatID}, text, nil); serr != nil {
		return fmt.Errorf("report: %w", serr)
	}
	return nil
}

// Cancel ends the conversation's session. From the keyboard the selection
// message is rewritten; from a command a reply is sent. It reports false when
// there was nothing to cancel.
func (f *Flow) Cancel(ctx context.Context, key Key, fromKeyboard bool) (bool, error) {
	s, ok := f.session(key)
	if fromKeyboard && (!ok || s.State != AwaitingSelection) {
		return false, ErrNoSession
	}
	to := transport.ChatTarget{ChatID: key.ChatID}
	if !ok {
		_, err := f.msgr.SendText(ctx, to, textNothingToEnd, nil)
		return false, err
	}
	f.drop(key)

	if fromKeyboard {
		return true, f.report(ctx, key, s.Selection, textCancelled)
	}
	_, err := f.msgr.SendText(ctx, to, textCancelled, nil)
	return true, err
}

// selectionKeyboard renders one page of toggle rows, a navigation row when
// there is more than one page, and the Send/Cancel row. It returns the page
// actually rendered.
func selectionKeyboard(records []storage.ChatRecord, selected map[int64]struct{}, page int) (any, int, error) {
	p := tgui.PaginateSlice(records, page, pageSize)
	kb := tgui.NewInline()
	for _, r := range p.Items {
		mark := "☑️"
		if _, on := selected[r.ChatID]; on {
			mark = "✅"
		}
		title := r.Title
		if title == "" {
			title = strconv.FormatInt(r.ChatID, 10)
		}
		label := tgui.TruncRunes(mark+" "+title, labelMaxRunes)
		kb.Row(tgui.Btn(label, tgui.Data(CallbackScope, ActionToggle, strconv.FormatInt(r.ChatID, 10))))
	}
	if p.Pages > 1 {
		nav := make([]tele.Btn, 0, 3)
		if p.HasPrev {
			nav = append(nav, tgui.Btn("‹ Prev", tgui.Data(CallbackScope, ActionPage, strconv.Itoa(p.Index-1))))
		}
		nav = append(nav, tgui.Btn(p.Label(), tgui.Data(CallbackScope, ActionPage, strconv.Itoa(p.Index))))
		if p.HasNext {
			nav = append(nav, tgui.Btn("Next ›", tgui.Data(CallbackScope, ActionPage, strconv.Itoa(p.Index+1))))
		}
		kb.Row(nav...)
	}
	kb.Row(
		tgui.Btn("Send", tgui.Data(CallbackScope, ActionSend, "")),
		tgui.Btn("Cancel", tgui.Data(CallbackScope, ActionCancel, "")),
	)
	rm, err := kb.Markup()
	if err != nil {
		return nil, p.Index, err
	}
	return rm, p.Index, nil
}
