// Package router turns Telegram updates into registry and broadcast actions.
//
// Updates are sharded over a fixed worker pool by chat id, so one chat's
// updates run in arrival order while different chats proceed in parallel.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"broadcastbot/internal/broadcast"
	rtsup "broadcastbot/internal/runtime/supervisor"
	kit "broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
	"broadcastbot/pkg/tgui"
)

const (
	textOwnerOnly = "This command is available to the bot owner only."
	textUnknown   = "Unknown command. Use /help"
	textInactive  = "Broadcast is no longer active."
)

const defaultCommandTimeout = 30 * time.Second

type Option func(*Dispatcher)

// WithWorkers overrides the worker count (default NumCPU, at least 2).
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueue sets the per-worker queue capacity.
func WithQueue(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = n
		}
	}
}

type Dispatcher struct {
	deps    *Deps
	log     logx.Logger
	workers int
	queue   int

	mu        sync.RWMutex
	cmds      []Command
	byName    map[string]Command
	callbacks map[string]map[string]CallbackRoute
}

func NewDispatcher(deps *Deps, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	d := &Dispatcher{
		deps:      deps,
		log:       log.With(logx.String("comp", "telegram.router")),
		workers:   workers,
		queue:     64,
		byName:    map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetRegistry installs the command and callback tables. Admin-only entries
// get the admin guard composed in here.
func (d *Dispatcher) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	guard := RequireAdmin(d.deps.AdminID)

	list := make([]Command, 0, len(cmds))
	byName := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if c.Access == AccessAdmin {
			c.Handle = guard(c.Handle)
		}
		if c.Timeout <= 0 {
			c.Timeout = defaultCommandTimeout
		}
		list = append(list, c)
		byName[name] = c
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		if r.Scope == "" || r.Action == "" || r.Handle == nil {
			continue
		}
		if cb[r.Scope] == nil {
			cb[r.Scope] = map[string]CallbackRoute{}
		}
		cb[r.Scope][r.Action] = r
	}

	d.mu.Lock()
	d.cmds = list
	d.byName = byName
	d.callbacks = cb
	d.mu.Unlock()
}

func (d *Dispatcher) Commands() []Command {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Command(nil), d.cmds...)
}

// PublishMenu pushes the command list to Telegram when the adapter supports it.
func (d *Dispatcher) PublishMenu(ctx context.Context) error {
	up, ok := d.deps.Adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, menuCommands(d.Commands()))
}

// Run consumes updates until ctx is done or updates is closed.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	shards := make([]chan kit.Update, d.workers)
	for i := range shards {
		ch := make(chan kit.Update, d.queue)
		shards[i] = ch
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-ch:
					if !ok {
						return nil
					}
					d.safeHandle(c, idx, up)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	d.log.Info("dispatcher started", logx.Int("workers", d.workers), logx.Int("queue", d.queue))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		d.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			shard := shards[shardOf(up.ConversationKey(), len(shards))]
			select {
			case shard <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func shardOf(key int64, n int) int {
	return int(uint64(key) % uint64(n))
}

func (d *Dispatcher) safeHandle(ctx context.Context, worker int, up kit.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in update handler", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	d.Handle(ctx, up)
}

// Handle processes one update synchronously.
func (d *Dispatcher) Handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		d.routeMessage(ctx, up)
	case kit.UpdateCallback:
		d.routeCallback(ctx, up)
	case kit.UpdateMember:
		d.onMemberChange(ctx, up.Member)
	case kit.UpdateTitle:
		d.onTitleChange(ctx, up.Message)
	case kit.UpdateMigration:
		d.onMigration(ctx, up.Migration)
	}
}

func (d *Dispatcher) newRequest(up kit.Update, chat, from int64, cmd string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: chat},
		FromID:  from,
		Command: cmd,
		ReqID:   rid,
		Deps:    d.deps,
		Logger: d.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func (d *Dispatcher) run(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) error {
	final := Chain(h,
		MWPanicRecover(d.log),
		MWRequestLog(d.log),
		MWTimeout(timeout),
	)
	return final(ctx, req)
}

func (d *Dispatcher) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, isCmd := parseCommand(msg.Text)
	if !isCmd {
		d.capture(ctx, up)
		return
	}
	// Commands are a direct-message surface only; group commands, known or
	// unknown, get no reply.
	if !msg.Private() {
		return
	}

	d.mu.RLock()
	cmd, ok := d.byName[name]
	d.mu.RUnlock()

	req := d.newRequest(up, msg.Chat.ID, msg.FromID, name)
	req.Args = args
	if !ok {
		_ = req.Reply(ctx, textUnknown)
		return
	}
	err := d.run(ctx, req, cmd.Handle, cmd.Timeout)
	if errors.Is(err, ErrUnauthorized) {
		_ = req.Reply(ctx, textOwnerOnly)
		return
	}
	d.replyFailure(ctx, req, err)
}

// replyFailure tells the user about an error no handler has reported yet.
// ctx is the update's context, so the reply still goes out after a handler
// timeout.
func (d *Dispatcher) replyFailure(ctx context.Context, req *Request, err error) {
	if !reportable(err) {
		return
	}
	_ = req.Reply(ctx, fmt.Sprintf(textFailed, err))
}

func reportable(err error) bool {
	var done repliedError
	switch {
	case err == nil,
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, broadcast.ErrNoSession),
		errors.As(err, &done):
		return false
	}
	return true
}

// capture offers a plain admin message to the broadcast flow. A failed
// capture has already dropped the session, so the admin starts over.
func (d *Dispatcher) capture(ctx context.Context, up kit.Update) {
	msg := up.Message
	if !msg.Private() || msg.FromID != d.deps.AdminID || d.deps.Flow == nil {
		return
	}
	req := d.newRequest(up, msg.Chat.ID, msg.FromID, "capture")
	err := d.run(ctx, req, func(ctx context.Context, req *Request) error {
		_, err := d.deps.Flow.Capture(ctx, req.Key(), msg)
		return err
	}, defaultCommandTimeout)
	d.replyFailure(ctx, req, err)
}

func (d *Dispatcher) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		_ = d.deps.Adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	d.mu.RLock()
	route, found := d.callbacks[scope][action]
	d.mu.RUnlock()
	if !found {
		_ = d.deps.Adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := d.newRequest(up, cb.ChatID, cb.FromID, "cb:"+scope+":"+action)
	req.Payload = payload
	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	if route.Access == AccessAdmin {
		h = RequireAdmin(d.deps.AdminID)(h)
	}

	err := d.run(ctx, req, h, route.Timeout)
	answer := ""
	switch {
	case errors.Is(err, ErrUnauthorized):
		answer = textOwnerOnly
	case errors.Is(err, broadcast.ErrNoSession):
		answer = textInactive
	case reportable(err):
		answer = textFailedShort
		d.replyFailure(ctx, req, err)
	}
	_ = req.Ack(ctx, answer)
}
