// Package engine implements the karma ledger service.
//
// The engine sits between callers (the CLI, the scenario harness, a
// transport layer) and a store.Backend. Every operation takes a user id or
// a validated request and returns an updated ledger plus a result payload.
//
// ARCHITECTURE:
//
// Per-user serialization:
// Operations on one user run one at a time behind a per-user lock, so an
// event's decay pass, balance change and role recompute never interleave
// with another event for the same user. Different users run in parallel.
//
// Optimistic commits:
// Each operation reads the ledger, computes the new state and commits it
// together with its transactions, plans, appeals and rebirth records in one
// compare-and-set on the ledger version. A lost race (another process, or
// an atomic balance increment) re-runs the whole computation on a fresh
// read, up to the configured number of attempts.
//
// Value table:
// The role x action table is owned by an Updater created with the engine.
// Updates are serialized; persistence is best effort and never fails the
// user-facing operation. The table is informational: role transitions come
// from the merit score, not from the table.
//
// Event flow for LogAction:
//  1. Validate the request
//  2. Lock the user, load or create the ledger
//  3. Decay and expire balances to now
//  4. Escalate, reward or accrue demerit
//  5. Recompute the role, append a transaction, commit
//  6. Update the value table with the claimed role as the row
package engine
