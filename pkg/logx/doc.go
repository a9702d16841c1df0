// Package logx configures broadcastbot's structured logging.
//
// Logger is a thin wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink (min-level + rate limiting) pointed at a log chat
package logx
