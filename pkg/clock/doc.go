// Package clock keeps the node's vector clock and Lamport clock, and
// computes the canonical checksums stamped on change events.
//
// The clock advances under a persist-before-commit discipline: Tick,
// Merge, and FastForward hand the candidate state to a commit callback
// and only adopt it in memory once the callback has stored it. Callers
// fold that state into the same store transaction as the write it stamps,
// so a committed event and its clocks can never diverge. The Lamport
// clock is held strictly above every vector entry after any local event.
//
// Checksum serializes a value as canonical JSON (object keys sorted
// recursively, no insignificant whitespace) and hashes it with SHA-256,
// so two nodes checksum the same row content identically regardless of
// map iteration or key insertion order.
package clock
