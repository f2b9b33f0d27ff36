// Package store provides durable storage for solve ledgers.
//
// Every solve is one row of solved_challenges keyed by
// (user, community_id, challenge_name), where challenge_name holds the
// normalized challenge identity. All writes are insert-or-ignore
// (ON CONFLICT DO NOTHING), so saving the same ledger twice never
// duplicates rows and never removes any. The only destructive operation is
// PruneSolves, used by the prune reconciliation strategy.
//
// # Drivers
//
//   - sqlite3 (default): WAL mode, NORMAL synchronous, 5s busy timeout.
//     Schema version is tracked with PRAGMA user_version. Databases
//     written by the original bot (server_id column, challenge names
//     suffixed with the server id) are migrated on open.
//   - postgres: the same schema and statements with $n placeholders.
//
// Errors returned by ledger operations are *community.PersistenceError.
package store
