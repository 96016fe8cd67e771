/*
Package tracker captures local business-table mutations as change events.

Create, Update, and Delete are the write API the application layer goes
through. Each call ticks the clock, builds an immutable ChangeEvent with
its payload checksum and causal stamps, and commits the business row, the
event, and the clock state in one store transaction: an event exists
exactly when its write committed. Serialization failure of the payload is
a hard error to the caller and nothing is written.

Mutations to excluded tables, and any mutation while capture is disabled
(bulk snapshot import, donor export), write the row only. If the store is
unavailable the pending change is held in a bounded in-memory ring,
oldest dropped first with an audit entry on overflow, and Flush replays
the queue once the store returns.
*/
package tracker
