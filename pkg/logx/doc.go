// Package logx configures timerbot's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional log channel sink (min-level + rate limiting)
package logx
