/*
Package types defines the domain model shared by every sync subsystem:
vector and Lamport clocks, change events and their receipts, node
identity and capabilities, sessions and auth tokens, audit entries,
conflict verdicts, partition and recovery records, and the persisted
per-peer sync progress.

Everything here is plain data with JSON tags; the storage package
persists these shapes verbatim and the transport package carries several
of them on the wire. The one piece of real logic is VectorClock.Compare,
the partial order the whole replication protocol hangs off: BEFORE and
AFTER drive causal apply ordering, CONCURRENT routes a pair of events to
the conflict resolver, and a missing entry compares as zero so clocks
from nodes that have never heard of each other still order correctly.
*/
package types
