// Package karma implements the ledger and reinforcement rules of the engine.
//
// Everything in this package is pure: functions take a Ledger (or balances)
// plus a Policy and a point in time, and return updated values. Persistence,
// locking and logging live in internal/engine and internal/store.
//
// Components:
//   - Ledger: per-category balances with decay and expiry bookkeeping
//   - Merit scorer: weighted linear score mapped to an ordered role chain
//   - Demerit classifier: action -> severity, plus the sliding-window
//     punishment escalator for the malicious action
//   - Value table: (role x action) matrix with a one-step TD update
//   - Atonement plan: pending -> completed remediation workflow
//   - Rebirth: net karma, realm bands, carryover
//
// Balances are addressed by Path. Single-level categories use the category
// name ("SevaPoints"); two-level categories join category and subtype with a
// dot ("PaapTokens.medium").
package karma
