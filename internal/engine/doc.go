// Package engine serializes every state change of every community through
// one event loop.
//
// Membership changes, answer submissions and reload requests arrive from
// the chat adapter via Enqueue or Dispatch. Run dequeues them one at a
// time in FIFO order and processes each to completion, including its
// durable-storage round trip, before taking the next. Recording a solve is
// therefore never raced by a second submission for the same participant.
//
// Each event is stamped with a sequence number from a logical Clock and a
// flow token that correlates its log lines, metrics and replies.
//
// Processing failures are logged and the loop continues. A failed
// incremental persist leaves the community dirty; the next successful
// event for that community saves its whole ledger again.
package engine
