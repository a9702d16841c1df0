package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	kit "broadcastbot/internal/transport"
)

const telegramLogLimit = 3500

func (s *Service) startTelegramWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.tgCancel = cancel
	s.tgWG.Add(1)
	go func() {
		defer s.tgWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.tgQueue:
				s.mu.Lock()
				chatID := s.chatID
				s.mu.Unlock()
				if chatID == 0 {
					continue
				}
				_, _ = s.sender.SendText(ctx, kit.ChatTarget{ChatID: chatID}, msg, &kit.SendOptions{DisablePreview: true})
			}
		}
	}()
}

// telegramWriter is a zerolog LevelWriter; it never blocks the caller.
type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	chatID, lim, min := s.chatID, s.limiter, s.minLevel
	s.mu.Unlock()

	if chatID == 0 || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegramLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.tgQueue <- msg:
	default:
	}
	return len(p), nil
}

// formatTelegramLine renders one zerolog JSON line as "[LEVEL] msg" followed
// by "- key=value" lines in key order.
func formatTelegramLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramLogLimit)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), telegramLogLimit)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
