/*
Package engine drives peer-to-peer database synchronization.

The engine runs one worker per known peer. Each worker loops through sync
cycles: establish (or resume) a secured session, pull the peer's change
events above our watermark, settle them locally, acknowledge what settled,
then push our own log above the peer's confirmed watermark. The same engine
instance is also the transport Responder, answering pulls, pushes, digests,
and snapshot requests from peers syncing against us.

# Cycle

	┌──────────────────────────────────────────────────────────┐
	│              Worker loop (per peer, every 30s)           │
	└───────────────┬──────────────────────────────────────────┘
	                │  skipped while the peer is unreachable
	                ▼  or a snapshot import is in flight
	┌──────────────────────────────────────────────────────────┐
	│ 1. Session   resume persisted session, else handshake    │
	│ 2. Pull      page events since pull watermark, settle,   │
	│              ack settled ids back to the peer            │
	│ 3. Push      page our log since push watermark, record   │
	│              receipts for what the peer accepted         │
	└───────────────┬──────────────────────────────────────────┘
	                │
	       success: reset failures, persist watermarks
	       failure: exponential backoff, 1s doubling to 5m

A fresh local change nudges every worker immediately instead of waiting out
the interval; a peer coming reachable nudges its worker.

# Settling

Settling one remote event is: dedupe (own echo, already processed, already
quarantined), verify integrity (payload checksum, source key hash, optional
signature), classify against the record's current owning event, then commit
one store transaction carrying the row mutations, the processed receipt,
the conflict row when one was resolved, and the merged clock state.

Events that fail integrity are quarantined: rejected permanently, never
merged into our clocks, and pinned below the watermark for the rest of the
cycle. On later cycles the quarantine set lets the watermark pass them.

# Conflicts

Concurrent events on one record resolve deterministically on every node:
create-create goes to the lower source node id with the loser rehomed
under a derived record id, a delete beats a concurrent update, and
everything else is last-writer-wins by Lamport clock with ties broken
toward the lower source node id.
*/
package engine
