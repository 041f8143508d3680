// Package storage provides the durable record layer behind the dispatch core.
//
// It currently supports:
//   - Versioned queue snapshots (outbound sends, inbound relay payloads)
//   - Append-only rate-ledger timestamps
//
// Backends: a dependency-free file driver (default) and a SQLite driver.
package storage
