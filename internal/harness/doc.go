// Package harness runs karma ledger scenarios as executable contract tests.
//
// A scenario drives the real engine through a sequence of operations on a
// fresh in-memory backend, with a fake clock and sequential ids, checks each
// step's expected outcome and then evaluates assertions on the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: escalation
//	description: "Repeated cheating escalates, the window resets"
//	backend: sqlite          # or badger
//	start: 2024-01-01T00:00:00Z
//	policy: ../policy        # optional CUE policy directory
//	flow:
//	  - op: log
//	    user: alice
//	    action: cheat
//	    expect: { level: 1, value: -2 }
//	  - op: advance
//	    days: 31
//	  - op: atone
//	    user: alice
//	    plan: "@last"
//	    type: Daan
//	    amount: 50
//	    expect: { error: INVALID_INPUT }
//	assertions:
//	  - type: balance
//	    user: alice
//	    path: DharmaPoints
//	    value: -4
//	  - type: trace_count
//	    op: log
//	    count: 2
//
// # Operations
//
//   - log: user, action, [role], [intensity]
//   - credit: user, path, delta
//   - decay: user
//   - appeal, plan: user, action
//   - atone: user, plan ("@last" for the user's latest plan), type, amount, [ref]
//   - death: user
//   - advance: days
//
// # Assertion Types
//
//   - balance: a user's balance at path equals value (within tolerance)
//   - role: a user's stored role
//   - transactions: a user's transaction count
//   - plans: a user's plan count, optionally by status
//   - rebirths: a user's rebirth count, optionally the latest realm
//   - trace_count: an op appears exactly count times
//   - trace_order: ops appear in the given order
//
// # Deterministic Testing
//
// Every run starts from an empty in-memory store, a clock fixed at the
// scenario start and ids id-1, id-2, ... Equal scenarios produce
// byte-identical snapshots on either backend, which is what the golden
// files compare.
package harness
