// Package bus implements the durable command and event log.
//
// Commands are units of requested work with a lifecycle:
//
//	NEW → RUNNING → {DONE, FAIL}
//	NEW → EXPIRED   (created_at + ttl ≤ now, before any claim)
//
// Every transition is a conditional UPDATE whose affected-row count decides
// the winner. A lost race is a false return, never an error. Claim re-checks
// the TTL itself, so a command that expired but was not yet swept cannot be
// claimed.
//
// Events are append-only observability records. Their order is the order of
// their ids, never wall-clock time.
package bus
