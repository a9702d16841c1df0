package tgui

import (
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	d := Data("bc", "toggle", "-1001234")
	scope, action, payload, ok := ParseData(d)
	require.True(t, ok)
	require.Equal(t, "bc", scope)
	require.Equal(t, "toggle", action)
	require.Equal(t, "-1001234", payload)

	_, _, _, ok = ParseData("garbage")
	require.False(t, ok)

	_, _, p, ok := ParseData(Data("bc", "send", ""))
	require.True(t, ok)
	require.Empty(t, p)
}

func TestInlineRejectsLongData(t *testing.T) {
	_, err := NewInline().Row(Btn("x", strings.Repeat("a", MaxCallbackDataLen+1))).Markup()
	require.ErrorIs(t, err, ErrCallbackDataTooLong)
}

func TestInlineRejectsTooManyButtons(t *testing.T) {
	kb := NewInline()
	for i := 0; i < MaxInlineButtons; i++ {
		kb.Row(Btn("b", Data("t", "x", strconv.Itoa(i))))
	}
	rm, err := kb.Markup()
	require.NoError(t, err)
	require.Len(t, rm.InlineKeyboard, MaxInlineButtons)

	_, err = kb.Row(Btn("one", "t:x")).Markup()
	require.ErrorIs(t, err, ErrTooManyButtons)
}

func TestPaginateSlice(t *testing.T) {
	items := make([]int, 45)
	for i := range items {
		items[i] = i
	}

	p := PaginateSlice(items, 0, 20)
	require.Equal(t, 3, p.Pages)
	require.Len(t, p.Items, 20)
	require.False(t, p.HasPrev)
	require.True(t, p.HasNext)
	require.Equal(t, "1/3", p.Label())

	p = PaginateSlice(items, 2, 20)
	require.Equal(t, []int{40, 41, 42, 43, 44}, p.Items)
	require.Equal(t, 40, p.From)
	require.Equal(t, 45, p.To)
	require.True(t, p.HasPrev)
	require.False(t, p.HasNext)

	// Out-of-range pages clamp.
	require.Equal(t, 2, PaginateSlice(items, 9, 20).Index)
	require.Equal(t, 0, PaginateSlice(items, -1, 20).Index)
}

func TestPaginateEmpty(t *testing.T) {
	p := PaginateSlice([]string(nil), 3, 0)
	require.Equal(t, 1, p.Pages)
	require.Zero(t, p.Index)
	require.Empty(t, p.Items)
	require.False(t, p.HasNext)
}

func TestTruncRunes(t *testing.T) {
	require.Equal(t, "short", TruncRunes("short", 10))
	got := TruncRunes("привет мир", 5)
	require.Equal(t, 5, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "…"))
}

func TestEsc(t *testing.T) {
	require.Equal(t, "<b>&lt;a&amp;b&gt;</b>", B("<a&b>").String())
}
