package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dukahub/dukasync/pkg/clock"
	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/engine"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/tracker"
	"github.com/dukahub/dukasync/pkg/types"
)

type fakeEngineStats struct {
	totals engine.Totals
}

func (f fakeEngineStats) Totals() engine.Totals { return f.totals }

type staticComponent bool

func (s staticComponent) IsRunning() bool { return bool(s) }

type monitorHarness struct {
	*Monitor
	store storage.Store
	reg   *discovery.Registry
	trk   *tracker.Tracker
}

func newMonitorHarness(t *testing.T, totals engine.Totals) *monitorHarness {
	t.Helper()

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sec, err := security.NewManager(store, "node-self", security.Config{RegistrationKey: "duka-secret"})
	if err != nil {
		t.Fatalf("security manager: %v", err)
	}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	trk := tracker.New(tracker.Config{
		Store:       store,
		Clock:       clock.New("node-self"),
		Broker:      broker,
		Security:    sec,
		NodeVersion: "1.0.0-test",
	})
	reg := discovery.NewRegistry("node-self", 10*time.Second, 6)

	mon, err := NewMonitor(Config{
		Store:    store,
		Registry: reg,
		Tracker:  trk,
		Engine:   fakeEngineStats{totals: totals},
	})
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	return &monitorHarness{Monitor: mon, store: store, reg: reg, trk: trk}
}

func TestCollectPersistsCountersRow(t *testing.T) {
	h := newMonitorHarness(t, engine.Totals{
		EventsApplied:     40,
		EventsQuarantined: 2,
		ConflictsResolved: 5,
		SyncCycles:        17,
		LastSyncAt:        time.Now().UTC(),
	})

	h.reg.Observe(&discovery.Announcement{NodeID: "node-b", Endpoint: "127.0.0.1:8765"}, time.Now())
	h.reg.Seed(&types.Node{NodeID: "node-c"})
	if _, err := h.trk.Create("products", "p-1", map[string]any{"name": "soap"}); err != nil {
		t.Fatalf("seed change: %v", err)
	}
	if err := h.store.SavePartition(&types.PartitionRecord{
		PartitionID: "part-1",
		Peers:       []string{"node-b", "node-self"},
		Reason:      types.PartitionReasonPeerTimeout,
		Strategy:    types.PartitionStrategyMerge,
		Status:      types.PartitionStatusOpen,
		DetectedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed partition: %v", err)
	}
	if err := h.store.SaveRecoveryStats(&types.RecoveryStats{Total: 4, Successful: 3, Failed: 1}); err != nil {
		t.Fatalf("seed recovery stats: %v", err)
	}

	now := time.Now().UTC()
	h.collect(now)

	snap, err := h.store.LatestMetricsSnapshot()
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if !snap.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", snap.Timestamp, now)
	}
	if snap.EventsCaptured != 1 {
		t.Errorf("events captured = %d, want 1", snap.EventsCaptured)
	}
	if snap.EventsApplied != 40 || snap.SyncCycles != 17 || snap.ConflictsResolved != 5 {
		t.Errorf("engine counters not carried: %+v", snap)
	}
	if snap.PeersReachable != 1 {
		t.Errorf("peers reachable = %d, want 1", snap.PeersReachable)
	}
	if snap.PartitionsOpen != 1 {
		t.Errorf("partitions open = %d, want 1", snap.PartitionsOpen)
	}
	if snap.RecoveriesTotal != 4 || snap.RecoveriesFailed != 1 {
		t.Errorf("recovery counters not carried: %+v", snap)
	}
}

func TestComponentsReportRunningState(t *testing.T) {
	h := newMonitorHarness(t, engine.Totals{})
	h.Watch("engine", staticComponent(true))
	h.Watch("discovery", staticComponent(false))

	got := h.Components()
	if len(got) != 2 || !got["engine"] || got["discovery"] {
		t.Fatalf("components = %v, want engine up, discovery down", got)
	}

	// collect must not panic with watched components registered.
	h.collect(time.Now().UTC())
}

func TestMonitorLifecycle(t *testing.T) {
	h := newMonitorHarness(t, engine.Totals{})
	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.IsRunning() {
		t.Fatal("not running after start")
	}
	if err := h.Start(); err == nil {
		t.Fatal("double start accepted")
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.IsRunning() {
		t.Fatal("still running after stop")
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
