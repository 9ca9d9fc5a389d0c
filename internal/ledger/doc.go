package ledger

// Package ledger persists task executions and enforces the exactly-once
// rule: at most one finalized record per (task, scheduled-for) fire.
//
// Drivers:
//   - file: append-only JSON Lines journal, replayed on open
//   - sqlite: database file behind the "sqlite" build tag
