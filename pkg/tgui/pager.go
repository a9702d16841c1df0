package tgui

import "fmt"

// Page is one window of a paginated slice. Index is 0-based and already
// clamped to the last page.
type Page[T any] struct {
	Items   []T
	Index   int
	Pages   int
	From    int
	To      int
	HasPrev bool
	HasNext bool
}

// PaginateSlice returns the requested page of items. size <= 0 means 10.
// An out-of-range page is clamped, so a list that shrank between renders
// still yields its last page.
func PaginateSlice[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if page >= pages {
		page = pages - 1
	}
	if page < 0 {
		page = 0
	}
	start := page * size
	end := min(start+size, total)
	return Page[T]{
		Items:   items[start:end],
		Index:   page,
		Pages:   pages,
		From:    start,
		To:      end,
		HasPrev: page > 0,
		HasNext: end < total,
	}
}

// Label returns a compact pagination label such as "2/5".
func (p Page[T]) Label() string {
	return fmt.Sprintf("%d/%d", p.Index+1, p.Pages)
}
