// Package ledger implements the append-only, hash-chained log of authenticated
// agent actions — the single source of truth for the Steward credit engine.
//
// The chain begins with a genesis entry at sequence 0 whose PrevHash is
// GenesisPrevHash (64 hex zeros). Every later entry records the SHA-256 of its
// predecessor, so altering any entry invalidates every hash after it and is
// caught by VerifyChain.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and single-node deployments.
//   - PostgresLedger: durable, for production use.
//
// Append is the engine's only serialization point. A Draft carries the tip
// sequence its caller validated against; if another writer advanced the chain
// in the meantime, Append fails with ErrOutOfOrder and the caller revalidates
// against the refreshed tip.
package ledger
