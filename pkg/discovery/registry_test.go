package discovery

import (
	"testing"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

func testAnnouncement(nodeID string) *Announcement {
	return &Announcement{
		Magic:               Magic,
		NodeID:              nodeID,
		NodeName:            "till-" + nodeID,
		Endpoint:            "10.0.0.5:8765",
		RegistrationKeyHash: "hash-" + nodeID,
	}
}

func TestRegistryObserveNewPeer(t *testing.T) {
	r := NewRegistry("self", 10*time.Second, 6)
	now := time.Now()

	node, transition := r.Observe(testAnnouncement("peer-1"), now)
	if transition != TransitionDiscovered {
		t.Fatalf("Observe() transition = %v, want %v", transition, TransitionDiscovered)
	}
	if node.State != types.PeerStateReachable {
		t.Errorf("State = %v, want %v", node.State, types.PeerStateReachable)
	}
	if !node.FirstSeenAt.Equal(now) || !node.LastSeenAt.Equal(now) {
		t.Errorf("seen timestamps = %v/%v, want both %v", node.FirstSeenAt, node.LastSeenAt, now)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistryObserveKnownPeerIsQuiet(t *testing.T) {
	r := NewRegistry("self", 10*time.Second, 6)
	now := time.Now()

	r.Observe(testAnnouncement("peer-1"), now)
	ann := testAnnouncement("peer-1")
	ann.Endpoint = "10.0.0.99:8765"
	node, transition := r.Observe(ann, now.Add(10*time.Second))

	if transition != TransitionNone {
		t.Errorf("Observe() transition = %v, want %v", transition, TransitionNone)
	}
	if node.Endpoint != "10.0.0.99:8765" {
		t.Errorf("Endpoint not refreshed, got %s", node.Endpoint)
	}
}

func TestRegistrySweepMarksUnreachable(t *testing.T) {
	interval := 10 * time.Second
	r := NewRegistry("self", interval, 6)
	start := time.Now()

	r.Observe(testAnnouncement("peer-1"), start)
	r.Observe(testAnnouncement("peer-2"), start.Add(50*time.Second))

	// peer-1 has missed six intervals, peer-2 only one.
	changed := r.Sweep(start.Add(61 * time.Second))
	if len(changed) != 1 {
		t.Fatalf("Sweep() changed %d peers, want 1", len(changed))
	}
	if changed[0].NodeID != "peer-1" {
		t.Errorf("Sweep() flipped %s, want peer-1", changed[0].NodeID)
	}
	if changed[0].State != types.PeerStateUnreachable {
		t.Errorf("State = %v, want %v", changed[0].State, types.PeerStateUnreachable)
	}

	// A second sweep reports nothing new.
	if again := r.Sweep(start.Add(62 * time.Second)); len(again) != 0 {
		t.Errorf("second Sweep() changed %d peers, want 0", len(again))
	}
}

func TestRegistryReobserveAfterUnreachable(t *testing.T) {
	interval := 10 * time.Second
	r := NewRegistry("self", interval, 6)
	start := time.Now()

	r.Observe(testAnnouncement("peer-1"), start)
	r.Sweep(start.Add(2 * time.Hour))

	node, transition := r.Observe(testAnnouncement("peer-1"), start.Add(2*time.Hour))
	if transition != TransitionReachable {
		t.Errorf("Observe() transition = %v, want %v", transition, TransitionReachable)
	}
	if node.State != types.PeerStateReachable {
		t.Errorf("State = %v, want %v", node.State, types.PeerStateReachable)
	}
}

func TestRegistryIsLiveWindow(t *testing.T) {
	interval := 10 * time.Second
	r := NewRegistry("self", interval, 6)
	start := time.Now()
	r.Observe(testAnnouncement("peer-1"), start)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "immediately", at: start, want: true},
		{name: "within three intervals", at: start.Add(29 * time.Second), want: true},
		{name: "at the boundary", at: start.Add(30 * time.Second), want: true},
		{name: "past three intervals", at: start.Add(31 * time.Second), want: false},
		{name: "unknown peer", at: start, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "peer-1"
			if tt.name == "unknown peer" {
				id = "peer-x"
			}
			if got := r.IsLive(id, tt.at); got != tt.want {
				t.Errorf("IsLive(%s, +%v) = %v, want %v", id, tt.at.Sub(start), got, tt.want)
			}
		})
	}
}

func TestRegistrySeed(t *testing.T) {
	r := NewRegistry("self", 10*time.Second, 6)

	r.Seed(&types.Node{NodeID: "peer-1", State: types.PeerStateReachable, Endpoint: "10.0.0.5:8765"})
	r.Seed(&types.Node{NodeID: "self", Endpoint: "10.0.0.1:8765"})

	node, ok := r.Get("peer-1")
	if !ok {
		t.Fatal("Get(peer-1) not found after Seed")
	}
	if node.State != types.PeerStateUnknown {
		t.Errorf("seeded State = %v, want %v", node.State, types.PeerStateUnknown)
	}
	if r.IsLive("peer-1", time.Now()) {
		t.Error("IsLive() = true for seeded peer that never announced")
	}
	if _, ok := r.Get("self"); ok {
		t.Error("Seed() accepted our own node id")
	}

	// Seeding must not clobber live observations.
	now := time.Now()
	r.Observe(testAnnouncement("peer-1"), now)
	r.Seed(&types.Node{NodeID: "peer-1", State: types.PeerStateUnreachable})
	node, _ = r.Get("peer-1")
	if node.State != types.PeerStateReachable {
		t.Errorf("State after redundant Seed = %v, want %v", node.State, types.PeerStateReachable)
	}
}

func TestRegistrySetState(t *testing.T) {
	r := NewRegistry("self", 10*time.Second, 6)
	r.Observe(testAnnouncement("peer-1"), time.Now())

	node, ok := r.SetState("peer-1", types.PeerStatePartitioned)
	if !ok {
		t.Fatal("SetState() reported unknown peer")
	}
	if node.State != types.PeerStatePartitioned {
		t.Errorf("State = %v, want %v", node.State, types.PeerStatePartitioned)
	}
	if _, ok := r.SetState("peer-x", types.PeerStateReachable); ok {
		t.Error("SetState() accepted unknown peer")
	}

	reachable := r.ReachablePeers()
	if len(reachable) != 0 {
		t.Errorf("ReachablePeers() = %d peers, want 0 after partitioning", len(reachable))
	}
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry("self", 10*time.Second, 6)
	r.Observe(testAnnouncement("peer-1"), time.Now())

	node, _ := r.Get("peer-1")
	node.Endpoint = "mutated"

	fresh, _ := r.Get("peer-1")
	if fresh.Endpoint == "mutated" {
		t.Error("Get() returned a shared pointer, want a copy")
	}

	peers := r.Peers()
	if len(peers) != 1 {
		t.Fatalf("Peers() = %d, want 1", len(peers))
	}
	peers[0].State = types.PeerStateUnreachable
	fresh, _ = r.Get("peer-1")
	if fresh.State != types.PeerStateReachable {
		t.Error("Peers() returned a shared pointer, want a copy")
	}
}
