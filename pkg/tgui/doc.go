// Package tgui holds the Telegram UI helpers used by the bot handlers:
// inline keyboards, "scope:action:payload" callback data, and escaping for
// ParseMode="HTML".
package tgui
