// Package harness runs transaction event scenarios against the projector
// and compares the resulting trace with golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	transaction: tx-1
//	setup:
//	  - code: TRANSACTION_ACTIVATION_REQUESTED_EVENT
//	    seq: 1
//	events:
//	  - code: TRANSACTION_ACTIVATED_EVENT
//	    seq: 2
//	    expect:
//	      outcome: APPLIED
//	      status: ACTIVATED
//	  - code: TRANSACTION_AUTHORIZATION_STATUS_UPDATED_EVENT
//	    seq: 4
//	    payload: { outcome: KO }
//	    expect:
//	      outcome: REJECTED
//	      reason: OUT_OF_ORDER
//	assertions:
//	  - type: final_state
//	    expect: { status: ACTIVATED, version: 2, last_applied: 2 }
//	  - type: outcome_count
//	    outcome: REJECTED
//	    count: 1
//	  - type: status_path
//	    statuses: [ACTIVATION_REQUESTED, ACTIVATED]
//
// Setup events must all be applied; they establish the starting view.
// A step may name its own transaction to interleave several ids.
//
// # Assertion Types
//
//   - final_state: compares the stored view of a transaction (or its absence)
//   - outcome_count: counts trace entries with a given outcome
//   - status_path: the statuses a transaction moved through, in order
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory repository and a fixed clock. Event
// timestamps derive from sequence numbers, so identical scenarios produce
// byte-identical golden snapshots.
package harness
