package router

import (
	"strings"
	"unicode"

	kit "broadcastbot/internal/transport"
)

// sanitizeTelegramCommand converts a command name into the [a-z0-9_]{1,32}
// form Telegram accepts.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

// menuCommands builds the setMyCommands list in registration order.
func menuCommands(cmds []Command) []kit.BotCommand {
	seen := map[string]bool{}
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessAdmin {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
