// Package store provides SQLite-backed durable storage for karma ledgers.
//
// Tables:
//   - users: one mutable row per ledger, guarded by a version token
//   - balances: one row per (user, path), with the expiry age anchor
//   - transactions, appeals, rebirths: append-only event records
//   - atonement_plans: plan state, updated until completed
//   - value_table: the singleton (role x action) table
//
// # Concurrency
//
// Commit performs a compare-and-set on users.version inside a single
// transaction: a writer that read version N can only commit if the row
// still holds N. IncrementBalance is a single UPSERT that also bumps the
// version, so it never loses an update and forces overlapping
// read-modify-write commits to retry.
//
// # Determinism
//
// Append-only tables are read ORDER BY seq ASC, never by timestamp, so
// histories come back in write order even when a fake clock stamps every
// event with the same instant.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
