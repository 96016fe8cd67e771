/*
Package storage persists everything the sync daemon knows, bookkeeping and
replicated business data alike, in one embedded BoltDB file.

Keeping both sides in a single database is what makes the core correctness
property cheap: a business-row mutation, the change event that describes
it, the processed receipt, and the merged clock state all commit in one
Bolt transaction. There is no window where a write exists without its
event, or an event without its write.

# Layout

One bucket per fixed bookkeeping table, nested buckets for the replicated
business tables, JSON values throughout:

	sync_nodes            node identity rows, self included
	sync_events           the change log, with sub-buckets:
	  log                   pad(lamport):eventId -> event, append-only
	  ids                   eventId -> log key
	  records               (table, recordId) -> log keys touching the record
	  receipts              processed bookkeeping per (event, receiver)
	  quarantine            events rejected permanently, with reason
	sync_sessions         active and recently expired peer sessions
	sync_configurations   clock state, key rotation, node secrets, peer progress
	conflict_resolutions  one row per deterministic conflict verdict
	network_partitions    open and historical partition records
	recovery_sessions     bulk snapshot handoffs and aggregate stats
	audit_logs            append-only security audit
	sync_metrics          periodic counter snapshots
	tables/<name>         replicated business rows, keyed by record id

The log key embeds the zero-padded Lamport clock so a forward cursor scan
returns events in exactly the order the sync engine pages them with
EventsSince. Receipts are keyed event-id first, letting the retention
janitor answer "has every known peer acked this event" with one prefix
scan per event.

Writes that span entities (CommitLocalChange, ApplyRemoteChange) take a
plan and run it in a single Update transaction; everything else is a
straightforward get/put/scan. Lookups that miss wrap ErrNotFound.
*/
package storage
