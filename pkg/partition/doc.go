/*
Package partition watches peer health for network splits and drives bulk
recovery when incremental sync cannot close the gap.

The detector loop evaluates three signals per peer: reachability loss
that outlives the announce timeout, sync cycles that keep failing while
announcements still arrive (a one-way partition), and consistency
digests — hashes over the recent event window exchanged with the peer.
A digest that stays divergent at the same Lamport plateau across
consecutive checks means the two logs hold different history, not that
one side is merely behind. Any tripped signal opens a network_partitions
row and flags the peer.

Resolution follows the partition's strategy. merge trusts normal sync
plus the deterministic conflict resolver and just waits for digests to
reconverge. source-wins adopts the peer's full state through a bulk
snapshot; target-wins re-offers our whole log; latest-wins picks a side
by comparing Lamport maxima. The record closes when the digests match
again.

The recovery manager implements both ends of the snapshot protocol: as
donor it stages archive exports and serves paced chunks, as joiner it
downloads, verifies, and applies an archive with capture disabled and
incremental applies paused, then fast-forwards the local clocks to the
donor's manifest.
*/
package partition
