// Package store provides SQLite-backed durable storage for transaction views.
//
// Tables:
//   - views: current TransactionView per transaction id
//   - events: journal of applied events, unique on (transaction_id, sequence_number)
//   - dead_letters: deliveries the dispatcher gave up on
//   - anomalies: rejections, conflicts and fatal failures
//
// # Concurrency
//
// Store.Save is a compare-and-swap on views.version executed as a single
// statement: an INSERT ... ON CONFLICT DO NOTHING for the first write, an
// UPDATE ... WHERE version = ? afterwards. Zero affected rows means another
// writer won and surfaces as view.ErrVersionConflict. A cancelled context
// either prevents the statement or lets it commit whole; there is no partial
// write.
//
// SQLITE_BUSY and SQLITE_LOCKED are marked view.Transient so the dispatcher
// retries them.
//
// # Ordering
//
// Journal reads are ordered by sequence_number ASC. Listings are ordered by
// id or transaction_id so output is deterministic.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
