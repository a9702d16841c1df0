package tgui

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// MaxInlineButtons keeps a keyboard under Telegram's reply markup limit.
const MaxInlineButtons = 100

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
	ErrTooManyButtons      = errors.New("tgui: too many inline buttons")
)

// Inline builds an inline keyboard row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
	btns int
	err  error
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends one row of buttons.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	for _, b := range btn {
		if len(b.Data) > MaxCallbackDataLen && i.err == nil {
			i.err = ErrCallbackDataTooLong
		}
	}
	i.btns += len(btn)
	if i.btns > MaxInlineButtons && i.err == nil {
		i.err = ErrTooManyButtons
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Markup returns the keyboard, or the first limit violation: data longer
// than MaxCallbackDataLen or more than MaxInlineButtons buttons.
func (i *Inline) Markup() (*tele.ReplyMarkup, error) {
	if i.err != nil {
		return nil, i.err
	}
	return i.rm, nil
}

// Btn creates a callback button with raw callback_data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// Data formats callback data as "scope:action:payload". An empty payload
// yields "scope:action".
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// ParseData splits callback data produced by Data. ok is false when data has
// fewer than two parts.
func ParseData(data string) (scope, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, true
}
