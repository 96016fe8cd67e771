package framework

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/dukahub/dukasync/pkg/clock"
	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/engine"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/partition"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/tracker"
	"github.com/dukahub/dukasync/pkg/transport"
	"github.com/dukahub/dukasync/pkg/types"
)

// DefaultKey is the registration key every test node shares unless a
// scenario overrides it.
const DefaultKey = "e2e-cluster-key"

// registryInterval is the announce interval test registries are built with.
// It is deliberately huge: one observation keeps a peer live for the whole
// test, and Isolate simulates silence by backdating observations instead of
// waiting announce intervals out.
const registryInterval = time.Hour

// staleAge is how far in the past Isolate dates a peer's last announcement.
// Far beyond the registry's live horizon and any detector timeout.
const staleAge = 12 * time.Hour

// NodeConfig tunes one in-process node. Zero values get test defaults:
// fast sync cycles, tight backoff, signatures on.
type NodeConfig struct {
	Name string
	// Key is the registration key. Nodes holding different keys must never
	// exchange data.
	Key string
	// SyncInterval paces the engine's per-peer cycles. Default 75ms.
	SyncInterval time.Duration
	// PeerTimeout is how long a formerly reachable peer may stay silent
	// before the detector declares a partition. Default 500ms.
	PeerTimeout time.Duration
	// StartDetector launches the partition detector with the node.
	StartDetector bool
	// Version is the node version advertised to peers. Default "1.0.0".
	Version string
	// DisableSignatures turns event signing off for this node.
	DisableSignatures bool
	// ExcludedTables are never captured or exported.
	ExcludedTables []string
}

func (c *NodeConfig) withDefaults() NodeConfig {
	out := *c
	if out.Key == "" {
		out.Key = DefaultKey
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = 75 * time.Millisecond
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = 500 * time.Millisecond
	}
	if out.Version == "" {
		out.Version = "1.0.0"
	}
	return out
}

// Node is one complete sync node assembled in-process: a real store, real
// clocks, and a real TCP listener on a loopback port. UDP discovery is
// replaced by direct registry injection so tests control exactly who sees
// whom, and when.
type Node struct {
	ID   string
	Name string

	Store    storage.Store
	Clock    *clock.Clock
	Broker   *events.Broker
	Security *security.Manager
	Tracker  *tracker.Tracker
	Registry *discovery.Registry
	Engine   *engine.Engine
	Listener *transport.Server
	Recovery *partition.Manager
	Detector *partition.Detector

	cfg     NodeConfig
	dataDir string
	dbPath  string
	running bool
}

// NewNode assembles a stopped node rooted in a fresh temp directory. The
// node id is minted once and survives Restart, like the persisted identity
// of a real deployment.
func NewNode(t testing.TB, cfg NodeConfig) *Node {
	t.Helper()

	dir := t.TempDir()
	n := &Node{
		ID:      uuid.NewString(),
		Name:    cfg.Name,
		cfg:     cfg.withDefaults(),
		dataDir: dir,
		dbPath:  filepath.Join(dir, "sync.db"),
	}
	if n.Name == "" {
		n.Name = "till-" + n.ID[:8]
	}
	if err := n.build(); err != nil {
		t.Fatalf("assemble node %s: %v", n.Name, err)
	}
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

// build constructs every subsystem against the node's store path. Restart
// runs it again; the store carries the state across.
func (n *Node) build() error {
	store, err := storage.NewBoltStore(n.dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	n.Store = store

	n.Clock = clock.New(n.ID)
	if state, err := store.GetClockState(n.ID); err == nil {
		n.Clock.Restore(state)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("restore clocks: %w", err)
	}

	n.Security, err = security.NewManager(store, n.ID, security.Config{
		RegistrationKey:  n.cfg.Key,
		EnableSignatures: !n.cfg.DisableSignatures,
	})
	if err != nil {
		return fmt.Errorf("security manager: %w", err)
	}

	n.Broker = events.NewBroker()
	n.Tracker = tracker.New(tracker.Config{
		Store:       store,
		Clock:       n.Clock,
		Broker:      n.Broker,
		Security:    n.Security,
		Excluded:    n.cfg.ExcludedTables,
		NodeVersion: n.cfg.Version,
	})
	n.Registry = discovery.NewRegistry(n.ID, registryInterval, 6)

	caps := types.Capabilities{
		VectorClocks:       true,
		ConflictResolution: true,
		Signatures:         !n.cfg.DisableSignatures,
		NodeVersion:        n.cfg.Version,
	}
	n.Engine, err = engine.New(engine.Config{
		SelfID:       n.ID,
		SelfName:     n.Name,
		Capabilities: caps,
		Store:        store,
		Clock:        n.Clock,
		Security:     n.Security,
		Broker:       n.Broker,
		Registry:     n.Registry,
		SyncInterval: n.cfg.SyncInterval,
		MaxBatchSize: 50,
		BackoffBase:  25 * time.Millisecond,
		BackoffMax:   250 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}

	n.Listener = transport.NewServer(n.Security, n.Engine, &transport.ServerConfig{
		BindAddr: "127.0.0.1:0",
	})

	n.Recovery, err = partition.NewManager(partition.ManagerConfig{
		SelfID:     n.ID,
		Store:      store,
		Clock:      n.Clock,
		Tracker:    n.Tracker,
		Transfer:   n.Engine,
		Broker:     n.Broker,
		BackupsDir: filepath.Join(n.dataDir, "backups"),
	})
	if err != nil {
		return fmt.Errorf("recovery manager: %w", err)
	}
	n.Engine.SetSnapshotDonor(n.Recovery)

	n.Detector, err = partition.NewDetector(partition.DetectorConfig{
		SelfID:         n.ID,
		Store:          store,
		Registry:       n.Registry,
		Engine:         n.Engine,
		Broker:         n.Broker,
		Recovery:       n.Recovery,
		CheckInterval:  50 * time.Millisecond,
		PeerTimeout:    n.cfg.PeerTimeout,
		DigestWindow:   64,
		MismatchCycles: 2,
		NetworkTimeout: 2 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("partition detector: %w", err)
	}
	return nil
}

// Start brings the node's subsystems up in dependency order.
func (n *Node) Start(ctx context.Context) error {
	if n.running {
		return fmt.Errorf("node %s already running", n.Name)
	}
	n.Broker.Start()
	n.Security.Start()
	if err := n.Listener.Start(ctx); err != nil {
		return fmt.Errorf("transport listener: %w", err)
	}
	if err := n.Engine.Start(ctx); err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}
	if err := n.Recovery.Start(); err != nil {
		return fmt.Errorf("recovery manager: %w", err)
	}
	if n.cfg.StartDetector {
		if err := n.Detector.Start(); err != nil {
			return fmt.Errorf("partition detector: %w", err)
		}
	}
	n.running = true
	return nil
}

// Stop unwinds the node and closes its store. Idempotent; the final clock
// state is flushed so a Restart resumes where the node left off.
func (n *Node) Stop() error {
	if !n.running {
		return nil
	}
	n.running = false

	var result *multierror.Error
	if n.Detector.IsRunning() {
		result = multierror.Append(result, n.Detector.Stop())
	}
	result = multierror.Append(result, n.Recovery.Stop())
	result = multierror.Append(result, n.Engine.Stop())
	result = multierror.Append(result, n.Listener.Stop())
	n.Security.Stop()
	n.Broker.Stop()

	vc, lamport := n.Clock.Snapshot()
	result = multierror.Append(result, n.Store.SaveClockState(types.ClockState{
		NodeID:       n.ID,
		VectorClock:  vc,
		LamportClock: lamport,
		UpdatedAt:    time.Now().UTC(),
	}))
	result = multierror.Append(result, n.Store.Close())
	return result.ErrorOrNil()
}

// Restart stops the node and brings it back on the same store and identity,
// the way a daemon restart would. The listener binds a fresh port, so peers
// must be reintroduced afterward.
func (n *Node) Restart(ctx context.Context) error {
	if err := n.Stop(); err != nil {
		return fmt.Errorf("stop for restart: %w", err)
	}
	if err := n.build(); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	return n.Start(ctx)
}

// Endpoint is the node's sync listener address. Valid once started.
func (n *Node) Endpoint() string {
	addr := n.Listener.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Announcement builds what the node would broadcast over discovery,
// timestamped at the given instant.
func (n *Node) Announcement(at time.Time) *discovery.Announcement {
	return &discovery.Announcement{
		Magic:               discovery.Magic,
		NodeID:              n.ID,
		NodeName:            n.Name,
		Endpoint:            n.Endpoint(),
		Capabilities:        n.capabilities(),
		RegistrationKeyHash: n.Security.OwnKeyHash(),
		AnnouncedAt:         at,
	}
}

func (n *Node) capabilities() types.Capabilities {
	return types.Capabilities{
		VectorClocks:       true,
		ConflictResolution: true,
		Signatures:         !n.cfg.DisableSignatures,
		NodeVersion:        n.cfg.Version,
	}
}

// Observe folds a peer's announcement into this node's registry as if the
// datagram had just arrived, persisting the peer row and publishing the
// discovery transition. Backdated timestamps age the peer instead.
func (n *Node) Observe(peer *Node, at time.Time) {
	node, transition := n.Registry.Observe(peer.Announcement(at), at)
	_ = n.Store.UpsertNode(node)
	switch transition {
	case discovery.TransitionDiscovered:
		n.publishPeer(events.EventPeerDiscovered, node)
	case discovery.TransitionReachable:
		n.publishPeer(events.EventPeerReachable, node)
	}
}

func (n *Node) publishPeer(t events.EventType, node *types.Node) {
	n.Broker.Publish(&events.Event{
		Type:    t,
		NodeID:  node.NodeID,
		Message: fmt.Sprintf("peer %s is %s", node.NodeName, node.State),
		Metadata: map[string]string{
			"endpoint": node.Endpoint,
			"state":    string(node.State),
		},
	})
}

// Create commits a row through the change tracker.
func (n *Node) Create(t testing.TB, table, record string, data map[string]any) *types.ChangeEvent {
	t.Helper()
	ev, err := n.Tracker.Create(table, record, data)
	if err != nil {
		t.Fatalf("create %s/%s on %s: %v", table, record, n.Name, err)
	}
	return ev
}

// Update commits an update through the change tracker.
func (n *Node) Update(t testing.TB, table, record string, data, before map[string]any) *types.ChangeEvent {
	t.Helper()
	ev, err := n.Tracker.Update(table, record, data, before)
	if err != nil {
		t.Fatalf("update %s/%s on %s: %v", table, record, n.Name, err)
	}
	return ev
}

// Delete commits a delete through the change tracker.
func (n *Node) Delete(t testing.TB, table, record string, before map[string]any) *types.ChangeEvent {
	t.Helper()
	ev, err := n.Tracker.Delete(table, record, before)
	if err != nil {
		t.Fatalf("delete %s/%s on %s: %v", table, record, n.Name, err)
	}
	return ev
}

// CommitWithChecksum appends a change event carrying an arbitrary payload
// checksum, signed like a genuine event. Receivers are expected to
// quarantine it when the checksum does not cover the data.
func (n *Node) CommitWithChecksum(t testing.TB, table, record string, data map[string]any, checksum string) *types.ChangeEvent {
	t.Helper()
	ev := &types.ChangeEvent{
		EventID:      uuid.NewString(),
		SourceNodeID: n.ID,
		TableName:    table,
		RecordID:     record,
		Operation:    types.OperationCreate,
		ChangeData:   data,
		Checksum:     checksum,
		Priority:     types.DefaultPriority,
		Metadata: types.EventMetadata{
			Timestamp:           time.Now().UTC(),
			NodeVersion:         n.cfg.Version,
			RegistrationKeyHash: n.Security.OwnKeyHash(),
		},
	}
	if sig, ok := n.Security.SignEventID(ev.EventID); ok {
		ev.Signature = sig
	}
	_, _, err := n.Clock.Tick(func(state types.ClockState) error {
		ev.VectorClock = state.VectorClock
		ev.LamportClock = state.LamportClock
		return n.Store.CommitLocalChange(ev, state)
	})
	if err != nil {
		t.Fatalf("commit tampered event on %s: %v", n.Name, err)
	}
	return ev
}

// Row reads a business row straight from the node's store.
func (n *Node) Row(t testing.TB, table, record string) (map[string]any, bool) {
	t.Helper()
	data, err := n.Store.GetRow(table, record)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.Fatalf("read %s/%s on %s: %v", table, record, n.Name, err)
	}
	return data, true
}
