package discovery

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukahub/dukasync/pkg/config"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

const testKey = "duka-secret"

type serverFixture struct {
	server *Server
	store  storage.Store
	sec    *security.Manager
	sub    events.Subscriber
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "discovery.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sec, err := security.NewManager(store, "self", security.Config{RegistrationKey: testKey})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	srv := NewServer(store, sec, broker, &Config{
		NodeID:   "self",
		NodeName: "till-self",
		Mode:     config.DiscoveryMulticast,
		Port:     0,
		SyncPort: 8765,
	})
	return &serverFixture{server: srv, store: store, sec: sec, sub: sub}
}

func (f *serverFixture) waitEvent(t *testing.T, want events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.sub:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", want)
		}
	}
}

func peerDatagram(t *testing.T, nodeID, keyHash string) []byte {
	t.Helper()
	data, err := EncodeAnnouncement(&Announcement{
		NodeID:              nodeID,
		NodeName:            "till-" + nodeID,
		Endpoint:            "10.0.0.7:8765",
		RegistrationKeyHash: keyHash,
	})
	if err != nil {
		t.Fatalf("EncodeAnnouncement() error = %v", err)
	}
	return data
}

func TestHandleDatagramRegistersPeer(t *testing.T) {
	f := newServerFixture(t)
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 54321}

	hash := security.KeyHash(testKey, "peer-1")
	f.server.handleDatagram(peerDatagram(t, "peer-1", hash), src)

	node, err := f.store.GetNode("peer-1")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if node.State != types.PeerStateReachable {
		t.Errorf("persisted State = %v, want %v", node.State, types.PeerStateReachable)
	}
	if node.Endpoint != "10.0.0.7:8765" {
		t.Errorf("persisted Endpoint = %s, want 10.0.0.7:8765", node.Endpoint)
	}

	ev := f.waitEvent(t, events.EventPeerDiscovered)
	if ev.NodeID != "peer-1" {
		t.Errorf("event NodeID = %s, want peer-1", ev.NodeID)
	}
}

func TestHandleDatagramIgnoresSelf(t *testing.T) {
	f := newServerFixture(t)
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 54321}

	hash := security.KeyHash(testKey, "self")
	f.server.handleDatagram(peerDatagram(t, "self", hash), src)

	if _, err := f.store.GetNode("self"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetNode(self) error = %v, want ErrNotFound", err)
	}
	if f.server.Registry().Count() != 0 {
		t.Errorf("Registry().Count() = %d, want 0", f.server.Registry().Count())
	}
}

func TestHandleDatagramDropsKeyMismatch(t *testing.T) {
	f := newServerFixture(t)
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 54321}

	wrongHash := security.KeyHash("other-cluster-key", "peer-2")
	f.server.handleDatagram(peerDatagram(t, "peer-2", wrongHash), src)

	if _, err := f.store.GetNode("peer-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetNode(peer-2) error = %v, want ErrNotFound", err)
	}
	if f.server.Registry().Count() != 0 {
		t.Errorf("Registry().Count() = %d, want 0", f.server.Registry().Count())
	}
}

func TestHandleDatagramAcceptsPreviousKeyInGrace(t *testing.T) {
	f := newServerFixture(t)
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 54321}

	if err := f.sec.Rotate("new-cluster-key", time.Hour); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	oldHash := security.KeyHash(testKey, "peer-3")
	f.server.handleDatagram(peerDatagram(t, "peer-3", oldHash), src)

	if _, err := f.store.GetNode("peer-3"); err != nil {
		t.Errorf("GetNode(peer-3) error = %v, want accepted under grace window", err)
	}
}

func TestHandleDatagramRejectsMalformed(t *testing.T) {
	f := newServerFixture(t)
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 54321}

	f.server.handleDatagram([]byte("junk"), src)

	if f.server.Registry().Count() != 0 {
		t.Errorf("Registry().Count() = %d, want 0", f.server.Registry().Count())
	}
}

func TestSweepPublishesUnreachable(t *testing.T) {
	f := newServerFixture(t)
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 54321}

	hash := security.KeyHash(testKey, "peer-1")
	f.server.handleDatagram(peerDatagram(t, "peer-1", hash), src)
	f.waitEvent(t, events.EventPeerDiscovered)

	// Force every interval to be missed, then sweep.
	f.server.registry.mu.Lock()
	f.server.registry.peers["peer-1"].lastAnnounce = time.Now().Add(-time.Hour)
	f.server.registry.mu.Unlock()
	f.server.sweep()

	ev := f.waitEvent(t, events.EventPeerUnreachable)
	if ev.NodeID != "peer-1" {
		t.Errorf("event NodeID = %s, want peer-1", ev.NodeID)
	}
	node, err := f.store.GetNode("peer-1")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if node.State != types.PeerStateUnreachable {
		t.Errorf("persisted State = %v, want %v", node.State, types.PeerStateUnreachable)
	}
}
