// Package logx configures the gateway's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Log levels hot-swappable via Service.Apply on config reload
package logx
