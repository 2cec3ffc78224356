// Package logx configures cibot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The core is a library; the host decides where logs go, so logx carries no
// runtime reconfiguration. The zero value of Logger is a safe no-op.
package logx
