package router

import (
	"strings"

	"broadcastbot/pkg/tgui"
)

// helpText renders the command list for ParseMode="HTML". Admin commands are
// listed after public ones and marked with a lock.
func helpText(cmds []Command) string {
	lines := []tgui.H{tgui.B("📚 Commands"), ""}
	for _, pass := range []Access{AccessEveryone, AccessAdmin} {
		for _, c := range cmds {
			if c.Access != pass {
				continue
			}
			usage := c.Usage
			if usage == "" {
				usage = "/" + c.Name
			}
			line := tgui.Code(usage).String()
			if d := strings.TrimSpace(c.Description); d != "" {
				line += " - " + tgui.Esc(d).String()
			}
			if c.Access == AccessAdmin {
				line = "🔒 " + line
			}
			lines = append(lines, tgui.H(line))
		}
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.String())
	}
	return strings.Join(out, "\n")
}
