// Package harness runs YAML scenarios against a fully wired engine and
// compares the resulting trace with golden files.
//
// # Scenario Format
//
//	name: warmup_solve
//	description: "A first solve scores, a second one is a no-op"
//	strategy: preserve
//	flow_token: test-flow
//	communities:
//	  guild:
//	    challenges:
//	      - "FLAG{x}|Warmup|misc||0|50"
//	    members:
//	      - {id: alice, name: Alice}
//	    solves:
//	      - {participant: bob, challenge: warmup}
//	steps:
//	  - action: submit
//	    community: guild
//	    participant: alice
//	    text: "Warmup:FLAG{x}"
//	    scoped: true
//	    expect: {outcome: correct, points: 50}
//	assertions:
//	  - {type: score, community: guild, participant: alice, score: 50}
//	  - {type: stored_solves, community: guild, participant: alice, count: 1}
//
// Step actions are the engine events join, leave, submit and reload, plus
// set_members and set_challenges which change what the membership and
// catalog sources report on the next reconciliation.
//
// # Assertion Types
//
//   - score: the participant's scoreboard score; absent: true asserts the
//     participant is not on the board
//   - stored_solves: number of durable solve rows, for one participant or
//     the whole community
//   - board: the rendered scoreboard text
//   - outcome_count: number of steps that ended with an outcome
//
// # Determinism
//
// Every run uses an in-memory SQLite store, a fixed flow token and a fresh
// logical clock, so traces are byte-identical across runs.
package harness
