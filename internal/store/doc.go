// Package store provides the shared SQLite file that every centrix process
// opens independently.
//
// The store holds:
//   - Commands: work items with a CAS-driven status lifecycle
//   - Events: append-only observability records, ordered by id
//   - Locks: best-effort mirror rows for file-backed leases
//   - Approvals: two-man-rule tokens
//   - Service status: heartbeat rows
//   - KV: small shared flags (pause, execution mode)
//
// # Critical Patterns
//
// Ordering by id, never by wall clock:
//   - Events and commands are ordered by their AUTOINCREMENT id
//   - The single-writer property of SQLite makes id order the commit order
//
// Short transactions:
//   - Every operation runs in one transaction and releases it before returning
//   - No process can block another by holding a transaction open
//
// CAS instead of application locks:
//   - State transitions are UPDATE ... WHERE status = <expected>
//   - RowsAffected tells the caller whether it won
//
// # Database Configuration
//
// Set through DSN parameters so every pooled connection carries them:
//   - WAL mode: Concurrent readers alongside one writer
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: Wait for the write lock instead of failing fast
//   - foreign_keys=ON
//   - _txlock=immediate: BEGIN IMMEDIATE, so read-then-write transactions
//     never fail on lock upgrade
//
// # Schema Drift
//
// A managed table that lacks required columns is renamed to
// <table>_legacy<N> and recreated. Old rows are kept for inspection but are
// no longer read; startup never fails because of an older schema.
package store
