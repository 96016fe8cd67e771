package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/transport"
	"github.com/dukahub/dukasync/pkg/types"
)

// SyncEngine is the engine surface the detector drives: digest probes and
// watermark rewinds. *engine.Engine satisfies it.
type SyncEngine interface {
	DigestFrom(ctx context.Context, peerID string, window int) (*transport.DigestResponse, error)
	ResetPeerWatermark(peerID string, to uint64) error
	ResetPushWatermark(peerID string, to uint64) error
}

// Recoverer is the bulk-adoption hook the detector fires for source-wins
// partitions. Implemented by the recovery Manager.
type Recoverer interface {
	Recover(ctx context.Context, peerID, reason string) error
	Recovering() bool
}

// DetectorConfig assembles a partition detector.
type DetectorConfig struct {
	SelfID   string
	Store    storage.Store
	Registry *discovery.Registry
	Engine   SyncEngine
	Broker   *events.Broker
	Recovery Recoverer // optional; source-wins falls back to a pull rewind without it

	// CheckInterval paces the detector loop. Default 10s.
	CheckInterval time.Duration
	// PeerTimeout is how long a formerly reachable peer may stay silent
	// before a partition is declared. Default 60s.
	PeerTimeout time.Duration
	// LagFailureCount declares a partition when a live peer's sync has
	// failed this many consecutive cycles. Default 5.
	LagFailureCount int
	// DigestWindow is the event window digests cover. Default 128.
	DigestWindow int
	// MismatchCycles is how many consecutive divergent digests open a
	// partition. Default 3.
	MismatchCycles int
	// NetworkTimeout bounds each digest probe. Default 10s.
	NetworkTimeout time.Duration
}

// Detector periodically evaluates partition signals against every known
// peer, opens network_partitions rows, and drives them to resolution.
type Detector struct {
	cfg    DetectorConfig
	store  storage.Store
	logger zerolog.Logger

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mismatches map[string]int // consecutive divergent digests per peer
}

// NewDetector builds a detector. Store, Registry, Engine, and Broker are
// required.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("detector needs a node id")
	}
	if cfg.Store == nil || cfg.Registry == nil || cfg.Engine == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("detector needs store, registry, engine, and broker")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 60 * time.Second
	}
	if cfg.LagFailureCount <= 0 {
		cfg.LagFailureCount = 5
	}
	if cfg.DigestWindow <= 0 {
		cfg.DigestWindow = 128
	}
	if cfg.MismatchCycles <= 0 {
		cfg.MismatchCycles = 3
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 10 * time.Second
	}
	return &Detector{
		cfg:        cfg,
		store:      cfg.Store,
		logger:     log.WithComponent("partition"),
		mismatches: make(map[string]int),
	}, nil
}

// Start launches the detector loop.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("partition detector already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.loop()
	d.logger.Info().
		Dur("interval", d.cfg.CheckInterval).
		Dur("peer_timeout", d.cfg.PeerTimeout).
		Int("mismatch_cycles", d.cfg.MismatchCycles).
		Msg("partition detector started")
	return nil
}

// Stop halts the detector loop.
func (d *Detector) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info().Msg("partition detector stopped")
	return nil
}

// IsRunning reports whether the detector loop is active.
func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Detector) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.checkAll()
		}
	}
}

// checkAll runs one detection pass over every known peer.
func (d *Detector) checkAll() {
	// A bulk adoption rewrites local state wholesale; digests are
	// meaningless until it finishes.
	if d.cfg.Recovery != nil && d.cfg.Recovery.Recovering() {
		return
	}

	nodes, err := d.store.ListNodes()
	if err != nil {
		d.logger.Warn().Err(err).Msg("peer listing failed")
		return
	}
	now := time.Now().UTC()
	for _, node := range nodes {
		if node.NodeID == d.cfg.SelfID {
			continue
		}
		d.checkPeer(node, now)
	}
}

func (d *Detector) checkPeer(node *types.Node, now time.Time) {
	peerID := node.NodeID
	open := d.openPartitionFor(peerID)
	live := d.cfg.Registry.IsLive(peerID, now)

	if !live {
		d.mismatches[peerID] = 0
		if open != nil {
			return // already flagged; wait for the peer to come back
		}
		if d.silentPast(node, now) {
			d.openPartition(peerID, types.PartitionReasonPeerTimeout)
		}
		return
	}

	if open != nil {
		d.advance(open, peerID)
		return
	}

	state, err := d.store.GetPeerSyncState(peerID)
	if err == nil && state.ConsecutiveFailures >= d.cfg.LagFailureCount {
		// Announcements arrive but sync cycles keep dying: one-way
		// partition.
		d.openPartition(peerID, types.PartitionReasonSyncLag)
		return
	}

	_, diverged, err := d.compareDigests(peerID)
	if err != nil {
		d.logger.Debug().Err(err).Str("peer", peerID).Msg("digest probe failed")
		return
	}
	if !diverged {
		d.mismatches[peerID] = 0
		return
	}
	d.mismatches[peerID]++
	d.logger.Warn().
		Str("peer", peerID).
		Int("consecutive", d.mismatches[peerID]).
		Msg("consistency digest diverged")
	if d.mismatches[peerID] >= d.cfg.MismatchCycles {
		d.mismatches[peerID] = 0
		d.openPartition(peerID, types.PartitionReasonDigestMismatch)
	}
}

// silentPast reports whether the peer has been quiet longer than the
// partition timeout. Falls back to the persisted last-seen time when the
// registry never heard the peer this process lifetime.
func (d *Detector) silentPast(node *types.Node, now time.Time) bool {
	last := d.cfg.Registry.LastAnnounce(node.NodeID)
	if last.IsZero() {
		last = node.LastSeenAt
	}
	if last.IsZero() {
		return false // never seen; joining, not partitioned
	}
	return now.Sub(last) > d.cfg.PeerTimeout
}

// compareDigests probes the peer's recent event window and classifies it
// against ours: equal, still catching up, or diverged. Only a mismatch at
// the same Lamport plateau counts as divergence; differing maxima just
// mean one side has events the other has not pulled yet.
func (d *Detector) compareDigests(peerID string) (equal, diverged bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.NetworkTimeout)
	defer cancel()

	resp, err := d.cfg.Engine.DigestFrom(ctx, peerID, d.cfg.DigestWindow)
	if err != nil {
		return false, false, err
	}
	evs, err := d.store.LatestEvents(d.cfg.DigestWindow)
	if err != nil {
		return false, false, fmt.Errorf("load digest window: %w", err)
	}
	local := transport.BuildDigest(evs, d.cfg.DigestWindow)
	if local.Equal(resp.Digest) {
		return true, false, nil
	}
	if local.MaxLamport != resp.Digest.MaxLamport {
		return false, false, nil
	}

	divergent := make([]int, 0, transport.DigestBuckets)
	for i := range local.Buckets {
		if i < len(resp.Digest.Buckets) && local.Buckets[i] != resp.Digest.Buckets[i] {
			divergent = append(divergent, i)
		}
	}
	d.logger.Warn().
		Str("peer", peerID).
		Uint64("lamport", local.MaxLamport).
		Ints("buckets", divergent).
		Msg("event histories diverge at the same lamport plateau")
	return false, true, nil
}

// openPartition writes a new open partition row for the peer and flags it
// in the registry.
func (d *Detector) openPartition(peerID string, reason types.PartitionReason) {
	peers := []string{d.cfg.SelfID, peerID}
	sort.Strings(peers)
	rec := &types.PartitionRecord{
		PartitionID: uuid.NewString(),
		Peers:       peers,
		Reason:      reason,
		Strategy:    types.PartitionStrategyMerge,
		Status:      types.PartitionStatusOpen,
		DetectedAt:  time.Now().UTC(),
	}
	if err := d.store.SavePartition(rec); err != nil {
		d.logger.Error().Err(err).Str("peer", peerID).Msg("partition record write failed")
		return
	}
	d.cfg.Registry.SetState(peerID, types.PeerStatePartitioned)
	d.logger.Warn().
		Str("partition", rec.PartitionID).
		Str("peer", peerID).
		Str("reason", string(reason)).
		Msg("network partition detected")
	d.cfg.Broker.Publish(&events.Event{
		Type:    events.EventPartitionOpened,
		NodeID:  peerID,
		Message: string(reason),
		Metadata: map[string]string{
			"partition_id": rec.PartitionID,
			"strategy":     string(rec.Strategy),
		},
	})
}

// advance moves an open partition toward resolution now that the peer is
// reachable again: fire the strategy's recovery action once, then close
// the record when the digests agree.
func (d *Detector) advance(rec *types.PartitionRecord, peerID string) {
	if rec.Status == types.PartitionStatusOpen {
		if err := d.applyStrategy(rec, peerID); err != nil {
			d.logger.Warn().Err(err).
				Str("partition", rec.PartitionID).
				Str("strategy", string(rec.Strategy)).
				Msg("partition strategy failed, will retry")
			return
		}
		rec.Status = types.PartitionStatusRecovering
		if err := d.store.SavePartition(rec); err != nil {
			d.logger.Error().Err(err).Msg("partition record write failed")
			return
		}
	}

	equal, _, err := d.compareDigests(peerID)
	if err != nil || !equal {
		return // keep waiting; sync or recovery is still closing the gap
	}
	d.resolve(rec, peerID)
}

// applyStrategy performs the one-shot reconciliation action a strategy
// calls for. merge needs none: normal sync plus the deterministic
// resolver already converge both sides.
func (d *Detector) applyStrategy(rec *types.PartitionRecord, peerID string) error {
	switch rec.Strategy {
	case types.PartitionStrategyMerge:
		return nil
	case types.PartitionStrategySourceWins:
		return d.adoptPeer(rec, peerID)
	case types.PartitionStrategyTargetWins:
		// Re-offer our whole log; the peer's dedupe skips what it has.
		return d.cfg.Engine.ResetPushWatermark(peerID, 0)
	case types.PartitionStrategyLatestWins:
		ahead, err := d.peerIsAhead(peerID)
		if err != nil {
			return err
		}
		if ahead {
			return d.adoptPeer(rec, peerID)
		}
		return d.cfg.Engine.ResetPushWatermark(peerID, 0)
	default:
		return fmt.Errorf("unknown partition strategy %q", rec.Strategy)
	}
}

// adoptPeer takes the peer's state wholesale: bulk snapshot when a
// recovery manager is wired, otherwise a full re-pull from Lamport zero.
func (d *Detector) adoptPeer(rec *types.PartitionRecord, peerID string) error {
	if d.cfg.Recovery != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		return d.cfg.Recovery.Recover(ctx, peerID, "partition:"+rec.PartitionID)
	}
	return d.cfg.Engine.ResetPeerWatermark(peerID, 0)
}

// peerIsAhead compares Lamport maxima for latest-wins.
func (d *Detector) peerIsAhead(peerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.NetworkTimeout)
	defer cancel()
	resp, err := d.cfg.Engine.DigestFrom(ctx, peerID, d.cfg.DigestWindow)
	if err != nil {
		return false, err
	}
	local, err := d.store.MaxLamport()
	if err != nil {
		return false, err
	}
	return resp.Digest.MaxLamport > local, nil
}

// resolve closes a partition record once both histories agree again.
func (d *Detector) resolve(rec *types.PartitionRecord, peerID string) {
	now := time.Now().UTC()
	rec.Status = types.PartitionStatusResolved
	rec.ResolvedAt = &now
	if err := d.store.SavePartition(rec); err != nil {
		d.logger.Error().Err(err).Msg("partition record write failed")
		return
	}
	d.cfg.Registry.SetState(peerID, types.PeerStateReachable)
	d.logger.Info().
		Str("partition", rec.PartitionID).
		Str("peer", peerID).
		Dur("lasted", now.Sub(rec.DetectedAt)).
		Msg("network partition resolved")
	d.cfg.Broker.Publish(&events.Event{
		Type:    events.EventPartitionResolved,
		NodeID:  peerID,
		Message: string(rec.Strategy),
		Metadata: map[string]string{
			"partition_id": rec.PartitionID,
			"lasted":       now.Sub(rec.DetectedAt).String(),
		},
	})
}

// openPartitionFor returns the unresolved partition involving the peer,
// if any.
func (d *Detector) openPartitionFor(peerID string) *types.PartitionRecord {
	recs, err := d.store.ListPartitions(true)
	if err != nil {
		d.logger.Warn().Err(err).Msg("partition listing failed")
		return nil
	}
	for _, rec := range recs {
		for _, p := range rec.Peers {
			if p == peerID {
				return rec
			}
		}
	}
	return nil
}

// SetStrategy changes the reconciliation strategy of an unresolved
// partition. Exposed to operators through the admin API.
func (d *Detector) SetStrategy(partitionID string, strategy types.PartitionStrategy) error {
	switch strategy {
	case types.PartitionStrategyMerge, types.PartitionStrategySourceWins,
		types.PartitionStrategyTargetWins, types.PartitionStrategyLatestWins:
	default:
		return fmt.Errorf("unknown partition strategy %q", strategy)
	}
	rec, err := d.store.GetPartition(partitionID)
	if err != nil {
		return err
	}
	if rec.Status == types.PartitionStatusResolved {
		return fmt.Errorf("partition %s already resolved", partitionID)
	}
	rec.Strategy = strategy
	// Rearm: the new strategy's action fires on the next pass.
	rec.Status = types.PartitionStatusOpen
	if err := d.store.SavePartition(rec); err != nil {
		return err
	}
	d.logger.Info().
		Str("partition", partitionID).
		Str("strategy", string(strategy)).
		Msg("partition strategy changed")
	return nil
}
