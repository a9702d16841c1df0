package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "broadcastbot/internal/runtime/supervisor"
	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter. Created on Start,
	// cancelled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates lost because the dispatcher fell behind.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

// broadcastable lists the message kinds that can be captured as broadcast
// content. Each gets the same forwarding handler.
var broadcastable = []string{
	tele.OnText, tele.OnMedia, tele.OnLocation, tele.OnVenue,
	tele.OnContact, tele.OnPoll, tele.OnDice,
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: convertMessage(m)})
		}
		return nil
	}
	for _, ev := range broadcastable {
		a.bot.Handle(ev, forward)
	}

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || m.Chat == nil {
			return nil
		}
		up := kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    senderID(cb.Sender),
				MessageID: m.ID,
				Data:      cb.Data,
			},
		}
		a.sendUpdate(up)
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		u := c.ChatMember()
		if u == nil || u.Chat == nil || u.NewChatMember == nil {
			return nil
		}
		mc := &kit.MemberChange{
			Chat:   convertChat(u.Chat),
			FromID: senderID(u.Sender),
			New:    kit.MemberStatus(u.NewChatMember.Role),
		}
		if u.OldChatMember != nil {
			mc.Old = kit.MemberStatus(u.OldChatMember.Role)
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMember, Member: mc})
		return nil
	})

	a.bot.Handle(tele.OnNewGroupTitle, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := convertMessage(m)
		msg.Chat.Title = m.NewGroupTitle
		a.sendUpdate(kit.Update{Kind: kit.UpdateTitle, Message: msg})
		return nil
	})

	a.bot.Handle(tele.OnMigration, func(c tele.Context) error {
		from, to := c.Migration()
		if from == 0 || to == 0 {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMigration, Migration: &kit.Migration{From: from, To: to}})
		return nil
	})
}

func convertMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{ID: m.ID, Text: m.Text}
	if m.Chat != nil {
		out.Chat = convertChat(m.Chat)
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	return out
}

func convertChat(c *tele.Chat) kit.Chat {
	out := kit.Chat{ID: c.ID, Title: chatTitle(c)}
	switch c.Type {
	case tele.ChatPrivate:
		out.Type = kit.ChatPrivate
	case tele.ChatGroup:
		out.Type = kit.ChatGroup
	case tele.ChatSuperGroup:
		out.Type = kit.ChatSuperGroup
	case tele.ChatChannel, tele.ChatChannelPrivate:
		out.Type = kit.ChatChannel
	default:
		out.Type = kit.ChatType(c.Type)
	}
	return out
}

// chatTitle falls back to the user's name for private chats and to the id
// when Telegram sends neither.
func chatTitle(c *tele.Chat) string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	if n := strings.TrimSpace(c.FirstName + " " + c.LastName); n != "" {
		return n
	}
	return strconv.FormatInt(c.ID, 10)
}

func senderID(u *tele.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, http: &http.Client{Timeout: 8 * time.Second}}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// A failing poll loop is restarted; it must not cancel the app.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop. If it returns while the adapter is still
	// running, the supervisor restarts it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop cancels polling and waits at most a short grace window, since a
// pending getUpdates long poll may not return promptly.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Best-effort: don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				// Move end to the start of the dangling tag.
				end = lastOpen
				if end <= start {
					end = start + limit
					if end > len(rs) {
						end = len(rs)
					}
				}
			}
		}

		chunk := string(rs[start:end])
		chunk = strings.TrimRight(chunk, "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				if first.ChatID != 0 {
					return first, ctx.Err()
				}
				return kit.MessageRef{}, ctx.Err()
			default:
			}
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		}

		// Attach markup only to the first message.
		if i == 0 && opt.ReplyMarkupAdapter != nil {
			if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
				sendOpt.ReplyMarkup = rm
			}
		}

		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			if first.ChatID != 0 {
				return first, err
			}
			return kit.MessageRef{}, err
		}

		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}

	return first, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	sendOpt := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			sendOpt.ReplyMarkup = rm
		}
	}

	_, err := a.bot.Edit(m, chunks[0], sendOpt)
	if err != nil {
		return err
	}

	// If the text is too long to fit in a single edited message, send the remaining parts as new messages.
	if len(chunks) > 1 {
		chat := &tele.Chat{ID: ref.ChatID}
		for _, chunk := range chunks[1:] {
			if ctx != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			sendOpt2 := &tele.SendOptions{
				ParseMode:             opt.ParseMode,
				DisableWebPagePreview: opt.DisablePreview,
			}
			if _, e := a.bot.Send(chat, chunk, sendOpt2); e != nil {
				return e
			}
		}
	}

	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// EditMarkup replaces only the inline keyboard of ref.
func (a *Adapter) EditMarkup(ctx context.Context, ref kit.MessageRef, opt *kit.SendOptions) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	var rm *tele.ReplyMarkup
	if opt != nil {
		rm, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	_, err := a.bot.EditReplyMarkup(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}, rm)
	if errors.Is(err, tele.ErrSameMessageContent) {
		return nil
	}
	return err
}

// CopyMessage re-sends from into to without a "forwarded from" header, which
// works for every content kind Telegram can copy.
func (a *Adapter) CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error) {
	if err := ctxErr(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	src := tele.StoredMessage{MessageID: strconv.Itoa(from.MessageID), ChatID: from.ChatID}
	msg, err := a.bot.Copy(&tele.Chat{ID: to.ChatID}, src)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// UpdateMenuCommands updates Telegram's global /menu command list (setMyCommands).
// Best-effort: it only performs a network call when the command list changes.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{Commands: make([]cmd, 0, len(cmds))}

	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		payload.Commands = append(payload.Commands, cmd{Command: c.Command, Description: d})
		if len(payload.Commands) >= 100 {
			break
		}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}
