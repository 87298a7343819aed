// Package logx configures flightwatch's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured and rotated
//   - an optional operator chat sink (min-level + rate limiting)
package logx
