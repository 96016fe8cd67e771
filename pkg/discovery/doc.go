/*
Package discovery advertises this node on the local network and maintains
the inventory of peers heard back, with liveness tracking.

DukaSync clusters have no coordinator and no static peer list. Every node
periodically shouts its identity on a UDP channel and listens for the same
from others. A shop's tills find each other the moment they share a LAN
segment; no configuration beyond the shared registration key is needed.

# Architecture

	            announce every 10s
	┌────────┐ ──────────────────────▶ 239.77.85.1:port (multicast)
	│  this  │                         255.255.255.255:port (broadcast)
	│  node  │ ◀──────────────────────
	└───┬────┘    announcements from peers
	    │
	    ▼
	┌─────────────────────────────────────────────┐
	│ Registry (in-memory peer inventory)          │
	│   observe → REACHABLE                        │
	│   6 missed intervals → UNREACHABLE           │
	│   partition detector → PARTITIONED           │
	└───────┬─────────────────────┬───────────────┘
	        │ persist             │ publish
	        ▼                     ▼
	   sync_nodes table      event broker
	                         (peer.discovered / peer.reachable /
	                          peer.unreachable)

# Announcements

Each datagram is a small JSON frame prefixed with the magic "DSYNC1":

	{nodeId, nodeName, endpoint, capabilities, registrationKeyHash, announcedAt}

The endpoint is the host:port of this node's sync listener, resolved from
the configured advertise address or the first private interface address.
The registration key hash is H(key ∥ nodeId): receivers recompute it with
their own key and drop announcements that do not match, so nodes from a
different cluster sharing the same LAN never enter the peer inventory.
Dropped frames are logged with the source address. Self-announcements loop
back on multicast and are ignored.

Frames are capped at 1400 bytes so they never fragment on ethernet.

# Liveness

Two thresholds derive reachability from announcement arrival times:

  - A peer is live for scheduling if it announced within 3 announce
    intervals (30s at defaults). The sync engine consults this before
    starting a cycle.
  - After 6 missed intervals (60s at defaults) the peer transitions to
    UNREACHABLE, the sync_nodes row is updated, and peer.unreachable is
    published so the engine parks the peer and the partition detector
    starts counting.

A peer that announces again flips straight back to REACHABLE and
peer.reachable is published. Peers persisted by earlier runs are seeded
into the inventory as UNKNOWN at startup; they count as peers (the engine
may still dial them) but are not live until they announce.

# Usage

	srv := discovery.NewServer(store, sec, broker, &discovery.Config{
		NodeID:           identity.NodeID,
		NodeName:         cfg.NodeName,
		Mode:             cfg.DiscoveryMode,
		Port:             cfg.DiscoveryPort(),
		SyncPort:         cfg.SyncPort,
		AdvertiseAddr:    cfg.AdvertiseAddr,
		AnnounceInterval: cfg.AnnounceInterval,
		Capabilities:     caps,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	for _, peer := range srv.Registry().ReachablePeers() {
		// schedule sync work toward peer.Endpoint
	}

# Modes

Multicast (default) joins group 239.77.85.1 and works on any LAN that
forwards multicast, including most consumer switches. Broadcast sends to
255.255.255.255 for networks where multicast is filtered; it stays within
the local segment. Both modes share the UDP port derived from the sync
port, so TCP sync traffic and UDP discovery can ride the same firewall
rule.

# Security Considerations

Announcements are unauthenticated datagrams; anything on the LAN can send
one. The key-hash check keeps foreign nodes out of the inventory but is
not proof of identity, and the endpoint in an announcement is untrusted
until the sync engine completes the challenge-response handshake against
it. Discovery never carries the registration key itself, only its per-node
hash.

# See Also

  - Package security for the handshake announced peers must still pass.
  - Package engine for how reachability drives sync scheduling.
  - Package partition for what happens after a peer stays unreachable.
*/
package discovery
