/*
Package events provides the in-memory broker the daemon's subsystems
signal each other through.

The tracker publishes a change-captured event for every local mutation it
records; the sync engine subscribes and nudges its per-peer workers
instead of waiting out the sync interval. Discovery publishes reachability
transitions, the partition detector and recovery manager publish their
lifecycle, and the health monitor folds everything into metrics.

Publish never blocks: each subscriber gets a buffered channel and events
a slow subscriber cannot take are skipped. The broker carries coordination
hints, not data. Every fact a subscriber acts on is already persisted by
the time the event fires, so a missed signal costs one sync-interval of
latency, never correctness.
*/
package events
