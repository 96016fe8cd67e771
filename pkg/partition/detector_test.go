package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/transport"
	"github.com/dukahub/dukasync/pkg/types"
)

type fakeEngine struct {
	mu         sync.Mutex
	digest     transport.Digest
	digestErr  error
	pullResets []string
	pushResets []string
}

func (f *fakeEngine) DigestFrom(_ context.Context, peerID string, _ int) (*transport.DigestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.digestErr != nil {
		return nil, f.digestErr
	}
	return &transport.DigestResponse{NodeID: peerID, Digest: f.digest}, nil
}

func (f *fakeEngine) ResetPeerWatermark(peerID string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullResets = append(f.pullResets, peerID)
	return nil
}

func (f *fakeEngine) ResetPushWatermark(peerID string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushResets = append(f.pushResets, peerID)
	return nil
}

func (f *fakeEngine) setDigest(d transport.Digest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digest = d
}

type fakeRecoverer struct {
	mu       sync.Mutex
	calls    []string
	inFlight bool
}

func (f *fakeRecoverer) Recover(_ context.Context, peerID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, peerID+" "+reason)
	return nil
}

func (f *fakeRecoverer) Recovering() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

type detectorHarness struct {
	*Detector
	store storage.Store
	reg   *discovery.Registry
	eng   *fakeEngine
	rec   *fakeRecoverer
}

func newDetectorHarness(t *testing.T) *detectorHarness {
	t.Helper()

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg := discovery.NewRegistry("node-self", 10*time.Second, 6)
	eng := &fakeEngine{}
	rec := &fakeRecoverer{}

	det, err := NewDetector(DetectorConfig{
		SelfID:      "node-self",
		Store:       store,
		Registry:    reg,
		Engine:      eng,
		Broker:      broker,
		Recovery:    rec,
		PeerTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	return &detectorHarness{Detector: det, store: store, reg: reg, eng: eng, rec: rec}
}

// seedPeer persists a peer node; live peers also get a fresh announcement
// in the registry, silent ones are only seeded from the persisted row.
func (h *detectorHarness) seedPeer(t *testing.T, id string, live bool, lastSeen time.Time) {
	t.Helper()
	node := &types.Node{
		NodeID:     id,
		NodeName:   id,
		Endpoint:   "127.0.0.1:8765",
		State:      types.PeerStateReachable,
		LastSeenAt: lastSeen,
	}
	if err := h.store.UpsertNode(node); err != nil {
		t.Fatalf("seed node: %v", err)
	}
	if live {
		h.reg.Observe(&discovery.Announcement{
			NodeID:   id,
			NodeName: id,
			Endpoint: node.Endpoint,
		}, time.Now())
	} else {
		h.reg.Seed(node)
	}
}

// commitLocal appends n local events with Lamport clocks 1..n.
func (h *detectorHarness) commitLocal(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		ev := &types.ChangeEvent{
			EventID:      fmt.Sprintf("ev-self-%03d", i),
			SourceNodeID: "node-self",
			TableName:    "products",
			RecordID:     fmt.Sprintf("p-%d", i),
			Operation:    types.OperationCreate,
			ChangeData:   map[string]any{"n": float64(i)},
			VectorClock:  types.VectorClock{"node-self": uint64(i)},
			LamportClock: uint64(i),
			Priority:     types.DefaultPriority,
		}
		state := types.ClockState{
			NodeID:       "node-self",
			VectorClock:  ev.VectorClock,
			LamportClock: ev.LamportClock,
			UpdatedAt:    time.Now().UTC(),
		}
		if err := h.store.CommitLocalChange(ev, state); err != nil {
			t.Fatalf("commit event %d: %v", i, err)
		}
	}
}

// localDigest builds the digest the detector computes for itself.
func (h *detectorHarness) localDigest(t *testing.T) transport.Digest {
	t.Helper()
	evs, err := h.store.LatestEvents(h.cfg.DigestWindow)
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	return transport.BuildDigest(evs, h.cfg.DigestWindow)
}

// plateauMismatch fabricates a peer digest at the same Lamport plateau as
// n local events but over different event ids.
func plateauMismatch(n int, window int) transport.Digest {
	evs := make([]*types.ChangeEvent, n)
	for i := range evs {
		evs[i] = &types.ChangeEvent{
			EventID:      fmt.Sprintf("ev-other-%03d", i+1),
			LamportClock: uint64(i + 1),
		}
	}
	return transport.BuildDigest(evs, window)
}

func openPartitions(t *testing.T, st storage.Store) []*types.PartitionRecord {
	t.Helper()
	recs, err := st.ListPartitions(true)
	if err != nil {
		t.Fatalf("list partitions: %v", err)
	}
	return recs
}

func TestPeerTimeoutOpensPartition(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", false, time.Now().Add(-2*time.Minute))

	h.checkAll()

	recs := openPartitions(t, h.store)
	if len(recs) != 1 {
		t.Fatalf("got %d open partitions, want 1", len(recs))
	}
	if recs[0].Reason != types.PartitionReasonPeerTimeout {
		t.Fatalf("reason = %s, want peer-timeout", recs[0].Reason)
	}
	if recs[0].Strategy != types.PartitionStrategyMerge {
		t.Fatalf("default strategy = %s, want merge", recs[0].Strategy)
	}
	if node, ok := h.reg.Get("node-b"); !ok || node.State != types.PeerStatePartitioned {
		t.Fatalf("registry state not partitioned: %+v", node)
	}

	// A second pass must not open a duplicate record.
	h.checkAll()
	if recs := openPartitions(t, h.store); len(recs) != 1 {
		t.Fatalf("duplicate partition opened: %d records", len(recs))
	}
}

func TestNeverSeenPeerIsNotPartitioned(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-new", false, time.Time{})

	h.checkAll()

	if recs := openPartitions(t, h.store); len(recs) != 0 {
		t.Fatalf("joining peer flagged as partitioned: %+v", recs[0])
	}
}

func TestDigestMismatchNeedsConsecutiveCycles(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", true, time.Now())
	h.commitLocal(t, 4)
	h.eng.setDigest(plateauMismatch(4, h.cfg.DigestWindow))

	h.checkAll()
	h.checkAll()
	if recs := openPartitions(t, h.store); len(recs) != 0 {
		t.Fatalf("partition opened after %d mismatches, want %d", 2, h.cfg.MismatchCycles)
	}

	// A matching digest in between resets the streak.
	h.eng.setDigest(h.localDigest(t))
	h.checkAll()
	h.eng.setDigest(plateauMismatch(4, h.cfg.DigestWindow))
	h.checkAll()
	h.checkAll()
	if recs := openPartitions(t, h.store); len(recs) != 0 {
		t.Fatalf("mismatch streak survived a matching digest")
	}

	h.checkAll()
	recs := openPartitions(t, h.store)
	if len(recs) != 1 {
		t.Fatalf("got %d open partitions after third consecutive mismatch, want 1", len(recs))
	}
	if recs[0].Reason != types.PartitionReasonDigestMismatch {
		t.Fatalf("reason = %s, want digest-mismatch", recs[0].Reason)
	}
}

func TestCatchUpLagIsNotDivergence(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", true, time.Now())
	h.commitLocal(t, 4)
	// Peer is simply ahead: higher Lamport maximum, different content.
	h.eng.setDigest(plateauMismatch(10, h.cfg.DigestWindow))

	for i := 0; i < 5; i++ {
		h.checkAll()
	}
	if recs := openPartitions(t, h.store); len(recs) != 0 {
		t.Fatalf("catch-up lag misread as divergence: %+v", recs[0])
	}
}

func TestRepeatedSyncFailuresOpenPartition(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", true, time.Now())
	h.eng.setDigest(h.localDigest(t))
	state := &types.PeerSyncState{PeerNodeID: "node-b", ConsecutiveFailures: h.cfg.LagFailureCount}
	if err := h.store.SavePeerSyncState(state); err != nil {
		t.Fatalf("save sync state: %v", err)
	}

	h.checkAll()

	recs := openPartitions(t, h.store)
	if len(recs) != 1 || recs[0].Reason != types.PartitionReasonSyncLag {
		t.Fatalf("partitions = %+v, want one sync-lag record", recs)
	}
}

func TestMergeResolvesWhenDigestsMatch(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", true, time.Now())
	h.commitLocal(t, 4)
	h.eng.setDigest(h.localDigest(t))

	rec := &types.PartitionRecord{
		PartitionID: "part-1",
		Peers:       []string{"node-b", "node-self"},
		Reason:      types.PartitionReasonPeerTimeout,
		Strategy:    types.PartitionStrategyMerge,
		Status:      types.PartitionStatusOpen,
		DetectedAt:  time.Now().Add(-time.Minute),
	}
	if err := h.store.SavePartition(rec); err != nil {
		t.Fatalf("save partition: %v", err)
	}

	h.checkAll()

	got, err := h.store.GetPartition("part-1")
	if err != nil {
		t.Fatalf("get partition: %v", err)
	}
	if got.Status != types.PartitionStatusResolved || got.ResolvedAt == nil {
		t.Fatalf("partition = %+v, want resolved", got)
	}
	if node, _ := h.reg.Get("node-b"); node.State != types.PeerStateReachable {
		t.Fatalf("registry state = %s, want reachable", node.State)
	}
}

func TestSourceWinsAdoptsPeerOnce(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", true, time.Now())
	h.commitLocal(t, 4)
	h.eng.setDigest(plateauMismatch(4, h.cfg.DigestWindow))

	rec := &types.PartitionRecord{
		PartitionID: "part-sw",
		Peers:       []string{"node-b", "node-self"},
		Reason:      types.PartitionReasonDigestMismatch,
		Strategy:    types.PartitionStrategySourceWins,
		Status:      types.PartitionStatusOpen,
		DetectedAt:  time.Now(),
	}
	if err := h.store.SavePartition(rec); err != nil {
		t.Fatalf("save partition: %v", err)
	}

	h.checkAll()
	h.checkAll() // digests still diverge; strategy must not refire

	h.rec.mu.Lock()
	calls := append([]string(nil), h.rec.calls...)
	h.rec.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("recover calls = %v, want exactly one", calls)
	}
	if calls[0] != "node-b partition:part-sw" {
		t.Fatalf("recover call = %q", calls[0])
	}
	got, _ := h.store.GetPartition("part-sw")
	if got.Status != types.PartitionStatusRecovering {
		t.Fatalf("status = %s, want recovering", got.Status)
	}
}

func TestTargetWinsReoffersOurLog(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", true, time.Now())
	h.commitLocal(t, 4)
	h.eng.setDigest(plateauMismatch(4, h.cfg.DigestWindow))

	rec := &types.PartitionRecord{
		PartitionID: "part-tw",
		Peers:       []string{"node-b", "node-self"},
		Reason:      types.PartitionReasonDigestMismatch,
		Strategy:    types.PartitionStrategyTargetWins,
		Status:      types.PartitionStatusOpen,
		DetectedAt:  time.Now(),
	}
	if err := h.store.SavePartition(rec); err != nil {
		t.Fatalf("save partition: %v", err)
	}

	h.checkAll()

	h.eng.mu.Lock()
	pushes := append([]string(nil), h.eng.pushResets...)
	h.eng.mu.Unlock()
	if len(pushes) != 1 || pushes[0] != "node-b" {
		t.Fatalf("push resets = %v, want one for node-b", pushes)
	}
}

func TestLatestWinsPicksTheAheadSide(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", true, time.Now())
	h.commitLocal(t, 4)
	// Peer is ahead: adopting its state is the latest-wins outcome.
	h.eng.setDigest(plateauMismatch(10, h.cfg.DigestWindow))

	rec := &types.PartitionRecord{
		PartitionID: "part-lw",
		Peers:       []string{"node-b", "node-self"},
		Reason:      types.PartitionReasonDigestMismatch,
		Strategy:    types.PartitionStrategyLatestWins,
		Status:      types.PartitionStatusOpen,
		DetectedAt:  time.Now(),
	}
	if err := h.store.SavePartition(rec); err != nil {
		t.Fatalf("save partition: %v", err)
	}

	h.checkAll()

	h.rec.mu.Lock()
	calls := len(h.rec.calls)
	h.rec.mu.Unlock()
	if calls != 1 {
		t.Fatalf("recover calls = %d, want 1 when the peer is ahead", calls)
	}
}

func TestDetectorIdlesDuringRecovery(t *testing.T) {
	h := newDetectorHarness(t)
	h.seedPeer(t, "node-b", false, time.Now().Add(-time.Hour))
	h.rec.inFlight = true

	h.checkAll()

	if recs := openPartitions(t, h.store); len(recs) != 0 {
		t.Fatalf("detector acted during a recovery: %+v", recs)
	}
}

func TestSetStrategy(t *testing.T) {
	h := newDetectorHarness(t)
	rec := &types.PartitionRecord{
		PartitionID: "part-x",
		Peers:       []string{"node-b", "node-self"},
		Reason:      types.PartitionReasonPeerTimeout,
		Strategy:    types.PartitionStrategyMerge,
		Status:      types.PartitionStatusRecovering,
		DetectedAt:  time.Now(),
	}
	if err := h.store.SavePartition(rec); err != nil {
		t.Fatalf("save partition: %v", err)
	}

	if err := h.SetStrategy("part-x", "coin-flip"); err == nil {
		t.Fatal("bogus strategy accepted")
	}
	if err := h.SetStrategy("part-x", types.PartitionStrategySourceWins); err != nil {
		t.Fatalf("set strategy: %v", err)
	}
	got, _ := h.store.GetPartition("part-x")
	if got.Strategy != types.PartitionStrategySourceWins || got.Status != types.PartitionStatusOpen {
		t.Fatalf("partition = %+v, want source-wins rearmed open", got)
	}

	now := time.Now().UTC()
	got.Status = types.PartitionStatusResolved
	got.ResolvedAt = &now
	if err := h.store.SavePartition(got); err != nil {
		t.Fatalf("save partition: %v", err)
	}
	if err := h.SetStrategy("part-x", types.PartitionStrategyMerge); err == nil {
		t.Fatal("strategy change on resolved partition accepted")
	}
}

func TestDetectorLifecycle(t *testing.T) {
	h := newDetectorHarness(t)
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
