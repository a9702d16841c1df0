package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"broadcastbot/internal/storage"
	"broadcastbot/internal/transport"
	logx "broadcastbot/pkg/logx"
)

type fakeChats struct {
	records []storage.ChatRecord
}

func (f *fakeChats) List() []storage.ChatRecord { return f.records }

func (f *fakeChats) EnabledIDs() map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, r := range f.records {
		if r.Enabled {
			out[r.ChatID] = struct{}{}
		}
	}
	return out
}

type sent struct {
	To     int64
	Text   string
	Markup *tele.ReplyMarkup
}

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sent     []sent
	edits    []string
	markups  []*tele.ReplyMarkup
	copies   []int64
	failCopy map[int64]error

	failKeyboard   error // SendText with a keyboard
	failEdit       error // EditText
	failEditMarkup error
}

func (m *fakeMessenger) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sent{To: to.ChatID, Text: text}
	if opt != nil {
		s.Markup, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	if s.Markup != nil && m.failKeyboard != nil {
		return transport.MessageRef{}, m.failKeyboard
	}
	m.nextID++
	m.sent = append(m.sent, s)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: m.nextID}, nil
}

func (m *fakeMessenger) EditText(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEdit != nil {
		return m.failEdit
	}
	m.edits = append(m.edits, text)
	return nil
}

func (m *fakeMessenger) EditMarkup(_ context.Context, _ transport.MessageRef, opt *transport.SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEditMarkup != nil {
		return m.failEditMarkup
	}
	rm, _ := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	m.markups = append(m.markups, rm)
	return nil
}

func (m *fakeMessenger) CopyMessage(_ context.Context, to transport.ChatTarget, from transport.MessageRef) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, to.ChatID)
	if err := m.failCopy[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: from.MessageID}, nil
}

var admin = Key{ChatID: 42, UserID: 42}

func source() *transport.Message {
	return &transport.Message{ID: 7, Chat: transport.Chat{ID: 42, Type: transport.ChatPrivate}, FromID: 42, Text: "hello"}
}

func threeChats(enabled bool) *fakeChats {
	return &fakeChats{records: []storage.ChatRecord{
		{ChatID: -1, Title: "One", Enabled: enabled},
		{ChatID: -2, Title: "Two", Enabled: enabled},
		{ChatID: -3, Title: "Three", Enabled: enabled},
	}}
}

func startAndCapture(t *testing.T, f *Flow) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.Start(ctx, admin))
	require.Equal(t, AwaitingMessage, f.State(admin))
	ok, err := f.Capture(ctx, admin, source())
	require.NoError(t, err)
	require.True(t, ok)
}

func toggleLabels(rm *tele.ReplyMarkup) []string {
	var out []string
	for _, row := range rm.InlineKeyboard[:len(rm.InlineKeyboard)-1] {
		out = append(out, row[0].Text)
	}
	return out
}

func TestCaptureSeedsEnabledChats(t *testing.T) {
	chats := threeChats(true)
	chats.records[1].Enabled = false
	msgr := &fakeMessenger{}
	f := New(chats, msgr, logx.Nop())

	startAndCapture(t, f)

	s, ok := f.Session(admin)
	require.True(t, ok)
	require.Equal(t, AwaitingSelection, s.State)
	require.Equal(t, []int64{-3, -1}, s.SelectedIDs())
	require.Equal(t, transport.MessageRef{ChatID: 42, MessageID: 7}, s.Source)

	last := msgr.sent[len(msgr.sent)-1]
	require.NotNil(t, last.Markup)
	require.Equal(t, []string{"✅ One", "☑️ Two", "✅ Three"}, toggleLabels(last.Markup))
	require.Equal(t, "bc:toggle:-2", last.Markup.InlineKeyboard[1][0].Data)
}

func TestCaptureFallsBackToAllChats(t *testing.T) {
	f := New(threeChats(false), &fakeMessenger{}, logx.Nop())
	startAndCapture(t, f)

	s, _ := f.Session(admin)
	require.Equal(t, []int64{-3, -2, -1}, s.SelectedIDs())
}

func TestNoChatsShortCircuit(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(&fakeChats{}, msgr, logx.Nop())
	ctx := context.Background()

	require.NoError(t, f.Start(ctx, admin))
	ok, err := f.Capture(ctx, admin, source())
	require.NoError(t, err)
	require.True(t, ok)

	_, exists := f.Session(admin)
	require.False(t, exists)
	require.Equal(t, textNoChats, msgr.sent[len(msgr.sent)-1].Text)
}

func TestCaptureIgnoredOutsideSession(t *testing.T) {
	f := New(threeChats(true), &fakeMessenger{}, logx.Nop())
	ok, err := f.Capture(context.Background(), admin, source())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestToggleIsItsOwnInverse(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(threeChats(true), msgr, logx.Nop())
	startAndCapture(t, f)
	ctx := context.Background()

	before, _ := f.Session(admin)
	require.NoError(t, f.Toggle(ctx, admin, -2))
	mid, _ := f.Session(admin)
	require.Equal(t, []int64{-3, -1}, mid.SelectedIDs())
	require.NoError(t, f.Toggle(ctx, admin, -2))
	after, _ := f.Session(admin)

	require.Equal(t, before.SelectedIDs(), after.SelectedIDs())
	require.Len(t, msgr.markups, 2)
	require.Equal(t, "☑️ Two", toggleLabels(msgr.markups[0])[1])
}

func TestToggleReflectsLiveRegistry(t *testing.T) {
	chats := threeChats(true)
	msgr := &fakeMessenger{}
	f := New(chats, msgr, logx.Nop())
	startAndCapture(t, f)

	chats.records = chats.records[:2]
	require.NoError(t, f.Toggle(context.Background(), admin, -1))
	require.Equal(t, []string{"☑️ One", "✅ Two"}, toggleLabels(msgr.markups[0]))
}

func TestFanOutIsolation(t *testing.T) {
	msgr := &fakeMessenger{failCopy: map[int64]error{-2: errors.New("chat not found")}}
	f := New(threeChats(true), msgr, logx.Nop())
	startAndCapture(t, f)

	res, err := f.Send(context.Background(), admin)
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
	require.Len(t, res.Failures, 1)
	require.Equal(t, int64(-2), res.Failures[0].ChatID)
	require.ElementsMatch(t, []int64{-1, -2, -3}, msgr.copies)

	require.Equal(t, "Message delivered to 2 chat(s).\nErrors:\n-2: chat not found", msgr.edits[len(msgr.edits)-1])
	require.Equal(t, Idle, f.State(admin))
}

func TestEmptySelectionAborts(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(threeChats(true), msgr, logx.Nop())
	startAndCapture(t, f)
	ctx := context.Background()
	for _, id := range []int64{-1, -2, -3} {
		require.NoError(t, f.Toggle(ctx, admin, id))
	}

	res, err := f.Send(ctx, admin)
	require.NoError(t, err)
	require.Zero(t, res.Sent)
	require.Empty(t, msgr.copies)
	require.Equal(t, textNothingPick, msgr.edits[len(msgr.edits)-1])
	require.Equal(t, Idle, f.State(admin))
}

func TestStartReplacesSession(t *testing.T) {
	f := New(threeChats(true), &fakeMessenger{}, logx.Nop())
	startAndCapture(t, f)

	require.NoError(t, f.Start(context.Background(), admin))
	s, ok := f.Session(admin)
	require.True(t, ok)
	require.Equal(t, AwaitingMessage, s.State)
	require.Empty(t, s.Selected)
}

func TestCancel(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(threeChats(true), msgr, logx.Nop())
	ctx := context.Background()

	ok, err := f.Cancel(ctx, admin, false)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, textNothingToEnd, msgr.sent[len(msgr.sent)-1].Text)

	_, err = f.Cancel(ctx, admin, true)
	require.ErrorIs(t, err, ErrNoSession)

	startAndCapture(t, f)
	ok, err = f.Cancel(ctx, admin, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, textCancelled, msgr.edits[len(msgr.edits)-1])
	require.Equal(t, Idle, f.State(admin))

	// Callbacks after the session ended change nothing.
	require.ErrorIs(t, f.Toggle(ctx, admin, -1), ErrNoSession)
	_, err = f.Send(ctx, admin)
	require.ErrorIs(t, err, ErrNoSession)
	require.Empty(t, msgr.copies)
}

func TestCancelWhileAwaitingMessage(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(threeChats(true), msgr, logx.Nop())
	ctx := context.Background()
	require.NoError(t, f.Start(ctx, admin))

	ok, err := f.Cancel(ctx, admin, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, textCancelled, msgr.sent[len(msgr.sent)-1].Text)
	require.Equal(t, Idle, f.State(admin))
}

func manyChats(n int) *fakeChats {
	out := &fakeChats{}
	for i := 1; i <= n; i++ {
		out.records = append(out.records, storage.ChatRecord{ChatID: int64(-i), Title: fmt.Sprintf("Chat %03d", i), Enabled: true})
	}
	return out
}

func buttons(rm *tele.ReplyMarkup) int {
	n := 0
	for _, row := range rm.InlineKeyboard {
		n += len(row)
	}
	return n
}

func rowData(row []tele.InlineButton) []string {
	out := make([]string, 0, len(row))
	for _, b := range row {
		out = append(out, b.Data)
	}
	return out
}

func TestLargeRegistryIsPaged(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(manyChats(300), msgr, logx.Nop())
	startAndCapture(t, f)
	ctx := context.Background()

	first := msgr.sent[len(msgr.sent)-1].Markup
	require.NotNil(t, first)
	rows := first.InlineKeyboard
	require.Len(t, rows, pageSize+2)
	require.LessOrEqual(t, buttons(first), 100)
	require.Equal(t, "✅ Chat 001", rows[0][0].Text)
	require.Equal(t, []string{"bc:page:0", "bc:page:1"}, rowData(rows[pageSize]))
	require.Equal(t, "1/15", rows[pageSize][0].Text)
	require.Equal(t, []string{"bc:send", "bc:cancel"}, rowData(rows[pageSize+1]))

	require.NoError(t, f.Page(ctx, admin, 14))
	last := msgr.markups[len(msgr.markups)-1]
	require.Len(t, last.InlineKeyboard, pageSize+2)
	require.Equal(t, "✅ Chat 281", last.InlineKeyboard[0][0].Text)
	require.Equal(t, []string{"bc:page:13", "bc:page:14"}, rowData(last.InlineKeyboard[pageSize]))
	require.Equal(t, []string{"bc:send", "bc:cancel"}, rowData(last.InlineKeyboard[pageSize+1]))

	// Toggling redraws the page being looked at.
	require.NoError(t, f.Toggle(ctx, admin, -290))
	s, _ := f.Session(admin)
	require.Equal(t, 14, s.Page)
	last = msgr.markups[len(msgr.markups)-1]
	require.Equal(t, "☑️ Chat 290", last.InlineKeyboard[9][0].Text)
	require.Len(t, s.Selected, 299)
}

func TestPageIsClamped(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(manyChats(45), msgr, logx.Nop())
	startAndCapture(t, f)
	ctx := context.Background()

	require.NoError(t, f.Page(ctx, admin, 99))
	s, _ := f.Session(admin)
	require.Equal(t, 2, s.Page)
	last := msgr.markups[len(msgr.markups)-1]
	require.Len(t, last.InlineKeyboard, 5+2)

	require.NoError(t, f.Page(ctx, admin, -3))
	s, _ = f.Session(admin)
	require.Equal(t, 0, s.Page)

	_, err := f.Send(ctx, admin)
	require.NoError(t, err)
	require.ErrorIs(t, f.Page(ctx, admin, 1), ErrNoSession)
}

func TestSmallRegistryHasNoNavigation(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(threeChats(true), msgr, logx.Nop())
	startAndCapture(t, f)

	rm := msgr.sent[len(msgr.sent)-1].Markup
	require.Len(t, rm.InlineKeyboard, 4)
}

func TestCaptureSendFailureDropsSession(t *testing.T) {
	msgr := &fakeMessenger{failKeyboard: errors.New("Bad Request: too many buttons")}
	f := New(threeChats(true), msgr, logx.Nop())
	ctx := context.Background()
	require.NoError(t, f.Start(ctx, admin))

	ok, err := f.Capture(ctx, admin, source())
	require.True(t, ok)
	require.ErrorContains(t, err, "send selection")
	require.Equal(t, Idle, f.State(admin))
}

func TestRedrawFailureKeepsSession(t *testing.T) {
	msgr := &fakeMessenger{}
	f := New(threeChats(true), msgr, logx.Nop())
	startAndCapture(t, f)
	msgr.failEditMarkup = errors.New("message to edit not found")

	err := f.Toggle(context.Background(), admin, -1)
	require.ErrorContains(t, err, "update selection")
	require.NotErrorIs(t, err, ErrNoSession)
	require.Equal(t, AwaitingSelection, f.State(admin))
}

func TestSummaryFallsBackToReply(t *testing.T) {
	msgr := &fakeMessenger{failEdit: errors.New("message can't be edited")}
	f := New(threeChats(true), msgr, logx.Nop())
	startAndCapture(t, f)

	res, err := f.Send(context.Background(), admin)
	require.NoError(t, err)
	require.Equal(t, 3, res.Sent)
	last := msgr.sent[len(msgr.sent)-1]
	require.Equal(t, admin.ChatID, last.To)
	require.Equal(t, "Message delivered to 3 chat(s).", last.Text)
}
