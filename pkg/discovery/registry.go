package discovery

import (
	"sync"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

// reachableIntervals is how many announce intervals may pass before a peer
// stops counting as live for scheduling purposes. The harder UNREACHABLE
// transition happens later, after the configured miss threshold.
const reachableIntervals = 3

// Transition describes what an observation or sweep changed about a peer.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionDiscovered
	TransitionReachable
	TransitionUnreachable
)

func (t Transition) String() string {
	switch t {
	case TransitionDiscovered:
		return "discovered"
	case TransitionReachable:
		return "reachable"
	case TransitionUnreachable:
		return "unreachable"
	default:
		return "none"
	}
}

type peerEntry struct {
	node         *types.Node
	lastAnnounce time.Time
}

// Registry is the in-memory peer inventory. It tracks when each peer last
// announced itself and derives reachability from that; persistence of the
// resulting Node rows is the caller's concern.
type Registry struct {
	selfID    string
	interval  time.Duration
	threshold int

	mu    sync.RWMutex
	peers map[string]*peerEntry
}

// NewRegistry creates an empty inventory. threshold is the number of missed
// announce intervals after which a peer is declared UNREACHABLE.
func NewRegistry(selfID string, interval time.Duration, threshold int) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold < 1 {
		threshold = 6
	}
	return &Registry{
		selfID:    selfID,
		interval:  interval,
		threshold: threshold,
		peers:     make(map[string]*peerEntry),
	}
}

// Seed loads a previously persisted peer without treating it as an
// announcement. Seeded peers start UNKNOWN until they announce again.
func (r *Registry) Seed(node *types.Node) {
	if node == nil || node.NodeID == r.selfID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[node.NodeID]; ok {
		return
	}
	n := *node
	n.State = types.PeerStateUnknown
	r.peers[node.NodeID] = &peerEntry{node: &n}
}

// Observe folds one announcement into the inventory and reports what
// changed. The returned node is a copy the caller may persist.
func (r *Registry) Observe(ann *Announcement, now time.Time) (*types.Node, Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, known := r.peers[ann.NodeID]
	if !known {
		node := &types.Node{
			NodeID:              ann.NodeID,
			NodeName:            ann.NodeName,
			Endpoint:            ann.Endpoint,
			RegistrationKeyHash: ann.RegistrationKeyHash,
			Capabilities:        ann.Capabilities,
			State:               types.PeerStateReachable,
			FirstSeenAt:         now,
			LastSeenAt:          now,
			CreatedAt:           now,
		}
		r.peers[ann.NodeID] = &peerEntry{node: node, lastAnnounce: now}
		out := *node
		return &out, TransitionDiscovered
	}

	prev := entry.node.State
	entry.node.NodeName = ann.NodeName
	entry.node.Endpoint = ann.Endpoint
	entry.node.RegistrationKeyHash = ann.RegistrationKeyHash
	entry.node.Capabilities = ann.Capabilities
	entry.node.State = types.PeerStateReachable
	entry.node.LastSeenAt = now
	entry.lastAnnounce = now

	out := *entry.node
	if prev != types.PeerStateReachable {
		return &out, TransitionReachable
	}
	return &out, TransitionNone
}

// Sweep flips peers that have missed the configured number of announce
// intervals to UNREACHABLE and returns copies of the nodes that changed.
func (r *Registry) Sweep(now time.Time) []*types.Node {
	cutoff := now.Add(-time.Duration(r.threshold) * r.interval)

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []*types.Node
	for _, entry := range r.peers {
		if entry.node.State != types.PeerStateReachable {
			continue
		}
		if entry.lastAnnounce.IsZero() || entry.lastAnnounce.After(cutoff) {
			continue
		}
		entry.node.State = types.PeerStateUnreachable
		out := *entry.node
		changed = append(changed, &out)
	}
	return changed
}

// IsLive reports whether a peer announced recently enough to schedule sync
// work toward it.
func (r *Registry) IsLive(nodeID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[nodeID]
	if !ok || entry.lastAnnounce.IsZero() {
		return false
	}
	return now.Sub(entry.lastAnnounce) <= reachableIntervals*r.interval
}

// Get returns a copy of one peer record.
func (r *Registry) Get(nodeID string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[nodeID]
	if !ok {
		return nil, false
	}
	out := *entry.node
	return &out, true
}

// Peers returns copies of every known peer record.
func (r *Registry) Peers() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, 0, len(r.peers))
	for _, entry := range r.peers {
		n := *entry.node
		out = append(out, &n)
	}
	return out
}

// ReachablePeers returns copies of peers currently marked REACHABLE.
func (r *Registry) ReachablePeers() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Node
	for _, entry := range r.peers {
		if entry.node.State != types.PeerStateReachable {
			continue
		}
		n := *entry.node
		out = append(out, &n)
	}
	return out
}

// SetState overrides a peer's reachability, used by the partition detector
// to park peers in PARTITIONED until recovery completes.
func (r *Registry) SetState(nodeID string, state types.PeerState) (*types.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[nodeID]
	if !ok {
		return nil, false
	}
	entry.node.State = state
	out := *entry.node
	return &out, true
}

// LastAnnounce returns when a peer last announced, zero if never.
func (r *Registry) LastAnnounce(nodeID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.peers[nodeID]; ok {
		return entry.lastAnnounce
	}
	return time.Time{}
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
