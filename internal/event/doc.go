// Package event defines the closed set of transaction event codes and the
// immutable Event record delivered by the upstream event source.
//
// Event codes serialize to the same wire strings the upstream producers use
// (e.g. "TRANSACTION_ACTIVATED_EVENT"). New codes are added only by extending
// the set in code.go together with the lifecycle transition table; unknown
// strings are rejected at parse time, never dispatched dynamically.
//
// # Ordering
//
// SequenceNumber is assigned upstream, starts at 1 and increases by exactly
// one per transaction id. It is the only ordering key the engine trusts.
// OccurredAt is carried for diagnostics and NEVER used for ordering.
package event
