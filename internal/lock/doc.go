// Package lock provides named, TTL-scoped mutual exclusion across processes.
//
// The lock file <dir>/<name>.lock, created with O_CREATE|O_EXCL, is the only
// source of truth for exclusion. Its JSON content (owner, pid, expiry) is
// advisory. A row in the locks table mirrors each held lock for listing; it is
// best-effort and reconciled by Reap.
//
// A lock whose expiry has passed is stale and may be reclaimed by anyone. A
// lock file whose content cannot be read is treated as expiring at its
// modification time plus the default TTL, so a crash between creating the
// file and writing it never wedges the name forever.
package lock
