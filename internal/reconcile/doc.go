// Package reconcile rebuilds a community's state at startup and on reload.
//
// A run loads the challenge catalog, synchronizes the roster with the live
// membership, hydrates the ledger from durable storage, recomputes the
// scoreboard and persists the result. Two strategies exist:
//
//   - StrategyPreserve adds new members and never removes anything. Members
//     who left keep their ledger history and reappear with their score if
//     they rejoin.
//   - StrategyPrune also evicts members who left and DELETES their solve
//     records, together with solves of challenges no longer in the catalog.
//     Deleted records cannot be recovered. Pruning is skipped whenever the
//     live membership could not be read, or when the roster or catalog is
//     empty, so a transient outage or a missing definition file never wipes
//     the ledger.
//
// Catalog problems are never fatal: an unreadable definition file degrades
// to an empty catalog and malformed lines are logged and skipped. A failure
// to load the ledger is fatal for the community. A failure to save is
// returned as *community.PersistenceError with the in-memory state left
// authoritative and marked dirty for the next save.
package reconcile
