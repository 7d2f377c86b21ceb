// Package logx configures postbox's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional session sink (min-level + rate limiting) that mirrors
//     high-severity lines into an operator's consumer context
package logx
