package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/clock"
	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/transport"
	"github.com/dukahub/dukasync/pkg/types"
)

// CycleState is where a peer's sync loop currently stands.
type CycleState string

const (
	StateIdle           CycleState = "IDLE"
	StateAuthenticating CycleState = "AUTHENTICATING"
	StateSessioned      CycleState = "SESSIONED"
	StateSyncing        CycleState = "SYNCING"
	StateFailed         CycleState = "FAILED"
)

// SnapshotDonor serves the donor side of bulk recovery. Implemented by the
// recovery manager and injected before Start; a nil donor answers snapshot
// requests with an error.
type SnapshotDonor interface {
	StageSnapshot(peerID, reason string) (*transport.SnapshotReady, error)
	SnapshotChunk(peerID, sessionID string, seq int) (*transport.SnapshotChunk, error)
	CloseSnapshot(peerID, sessionID string, success bool, detail string) error
}

// Config assembles a sync engine.
type Config struct {
	SelfID       string
	SelfName     string
	Capabilities types.Capabilities

	Store    storage.Store
	Clock    *clock.Clock
	Security *security.Manager
	Broker   *events.Broker
	Registry *discovery.Registry

	SyncInterval   time.Duration // default 30s
	MaxBatchSize   int           // default 100
	BackoffBase    time.Duration // default 1s
	BackoffMax     time.Duration // default 5m
	NetworkTimeout time.Duration // per transport call, default 10s

	RetentionMaxAge        time.Duration // default 30 days
	RetentionSweepInterval time.Duration // default 1h
}

type counters struct {
	applied     atomic.Uint64
	skipped     atomic.Uint64
	quarantined atomic.Uint64
	conflicts   atomic.Uint64
	pushed      atomic.Uint64
	cycles      atomic.Uint64
	failures    atomic.Uint64
	lastSync    atomic.Int64 // unix nanos of the last successful cycle
}

// Engine drives synchronization with every known peer: one worker per peer
// pulling, applying, and pushing change events, plus the responder side
// that answers the same protocol for peers syncing against us.
type Engine struct {
	cfg      Config
	store    storage.Store
	clock    *clock.Clock
	security *security.Manager
	broker   *events.Broker
	registry *discovery.Registry
	logger   zerolog.Logger

	// applyMu serializes incremental applies against bulk snapshot
	// application; snapshotPause lets cycles skip cheaply meanwhile.
	applyMu       sync.RWMutex
	snapshotPause atomic.Bool

	donor SnapshotDonor

	mu      sync.Mutex
	running bool
	workers map[string]*peerWorker
	stopCh  chan struct{}
	sub     events.Subscriber
	wg      sync.WaitGroup

	counters counters
}

// peerWorker is the per-peer sync loop state. The client serializes its own
// calls; worker fields are guarded by the worker mutex so status reads never
// block on network I/O.
type peerWorker struct {
	peerID string
	cancel context.CancelFunc
	nudge  chan struct{}

	mu       sync.Mutex
	client   *transport.Client
	state    CycleState
	lastErr  string
	failures int
}

func (w *peerWorker) getClient() *transport.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

func (w *peerWorker) setClient(c *transport.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.client = c
}

func (w *peerWorker) setState(s CycleState, errText string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	w.lastErr = errText
}

func (w *peerWorker) snapshot() (CycleState, string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.lastErr, w.failures
}

// New builds an engine. The transport server is owned by the daemon; the
// engine is handed to it as the Responder.
func New(cfg Config) (*Engine, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("engine needs a node id")
	}
	if cfg.Store == nil || cfg.Clock == nil || cfg.Security == nil || cfg.Broker == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("engine needs store, clock, security, broker, and registry")
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 10 * time.Second
	}
	if cfg.RetentionMaxAge <= 0 {
		cfg.RetentionMaxAge = 30 * 24 * time.Hour
	}
	if cfg.RetentionSweepInterval <= 0 {
		cfg.RetentionSweepInterval = time.Hour
	}
	return &Engine{
		cfg:      cfg,
		store:    cfg.Store,
		clock:    cfg.Clock,
		security: cfg.Security,
		broker:   cfg.Broker,
		registry: cfg.Registry,
		workers:  make(map[string]*peerWorker),
		logger:   log.WithComponent("engine"),
	}, nil
}

// SetSnapshotDonor wires the recovery manager in as the donor-side snapshot
// handler. Call before Start.
func (e *Engine) SetSnapshotDonor(d SnapshotDonor) {
	e.donor = d
}

// Start launches the per-peer workers, the broker listener, and the
// retention janitor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.sub = e.broker.Subscribe()
	e.mu.Unlock()

	e.logger.Info().
		Dur("interval", e.cfg.SyncInterval).
		Int("batch", e.cfg.MaxBatchSize).
		Msg("sync engine started")

	e.reconcile()

	e.wg.Add(3)
	go e.reconcileLoop()
	go e.eventLoop()
	go e.retentionLoop()
	return nil
}

// Stop cancels every worker and waits for in-flight cycles to finish their
// current event.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	workers := make([]*peerWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.workers = make(map[string]*peerWorker)
	e.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	e.wg.Wait()

	e.broker.Unsubscribe(e.sub)
	for _, w := range workers {
		_ = w.getClient().Close()
	}
	e.logger.Info().Msg("sync engine stopped")
	return nil
}

// IsRunning reports whether the engine has been started.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// PauseApply blocks until in-flight applies finish, then holds new ones
// off. Used while a snapshot is transferred and applied.
func (e *Engine) PauseApply() {
	e.snapshotPause.Store(true)
	e.applyMu.Lock()
}

// ResumeApply releases the pause taken by PauseApply.
func (e *Engine) ResumeApply() {
	e.applyMu.Unlock()
	e.snapshotPause.Store(false)
}

// reconcileLoop keeps the worker set matched to the known peer set.
func (e *Engine) reconcileLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.reconcile()
		}
	}
}

// reconcile starts workers for newly known peers and stops workers whose
// peer was removed from the store.
func (e *Engine) reconcile() {
	nodes, err := e.store.ListNodes()
	if err != nil {
		e.logger.Warn().Err(err).Msg("peer listing failed")
		return
	}
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.NodeID == e.cfg.SelfID {
			continue
		}
		known[n.NodeID] = true
		e.ensureWorker(n.NodeID)
	}

	e.mu.Lock()
	var stale []*peerWorker
	for id, w := range e.workers {
		if !known[id] {
			stale = append(stale, w)
			delete(e.workers, id)
		}
	}
	e.mu.Unlock()

	for _, w := range stale {
		w.cancel()
		_ = w.getClient().Close()
		e.logger.Info().Str("peer", w.peerID).Msg("peer removed, worker stopped")
	}
}

// ensureWorker starts a sync worker for a peer if one is not already
// running. Peers without a known endpoint are skipped until discovery
// learns one.
func (e *Engine) ensureWorker(peerID string) {
	if peerID == "" || peerID == e.cfg.SelfID {
		return
	}
	endpoint := e.endpointFor(peerID)
	if endpoint == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if _, ok := e.workers[peerID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &peerWorker{
		peerID: peerID,
		cancel: cancel,
		nudge:  make(chan struct{}, 1),
		client: e.newClient(endpoint),
		state:  StateIdle,
	}
	e.workers[peerID] = w
	e.wg.Add(1)
	go e.runWorker(ctx, w)
	e.logger.Debug().Str("peer", peerID).Str("endpoint", endpoint).Msg("peer worker started")
}

func (e *Engine) newClient(endpoint string) *transport.Client {
	return transport.NewClient(endpoint, e.security, transport.ClientConfig{
		SelfID:       e.cfg.SelfID,
		SelfName:     e.cfg.SelfName,
		Capabilities: e.cfg.Capabilities,
		Timeout:      e.cfg.NetworkTimeout,
	})
}

// endpointFor prefers the live registry entry over the persisted node row.
func (e *Engine) endpointFor(peerID string) string {
	if node, ok := e.registry.Get(peerID); ok && node.Endpoint != "" {
		return node.Endpoint
	}
	if node, err := e.store.GetNode(peerID); err == nil {
		return node.Endpoint
	}
	return ""
}

// workerFor returns the worker for a peer, creating it when the peer is
// known. Used by the partition detector's direct peer calls.
func (e *Engine) workerFor(peerID string) (*peerWorker, error) {
	e.ensureWorker(peerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[peerID]
	if !ok {
		return nil, fmt.Errorf("no route to peer %s", peerID)
	}
	return w, nil
}

// nudgePeer asks one worker to cycle soon.
func (e *Engine) nudgePeer(peerID string) {
	e.mu.Lock()
	w, ok := e.workers[peerID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

func (e *Engine) nudgeAll() {
	e.mu.Lock()
	workers := make([]*peerWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()
	for _, w := range workers {
		select {
		case w.nudge <- struct{}{}:
		default:
		}
	}
}

// eventLoop reacts to internal signals: fresh local changes nudge every
// worker, reachability changes nudge (and create) the affected worker.
func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case ev, ok := <-e.sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventChangeCaptured:
				e.nudgeAll()
			case events.EventPeerDiscovered, events.EventPeerReachable:
				if ev.NodeID != "" && ev.NodeID != e.cfg.SelfID {
					e.ensureWorker(ev.NodeID)
					e.nudgePeer(ev.NodeID)
				}
			}
		}
	}
}

// runWorker is one peer's loop: wait for the tick (or a nudge), run a
// cycle, sleep for the interval or the backoff the cycle returned.
func (e *Engine) runWorker(ctx context.Context, w *peerWorker) {
	defer e.wg.Done()
	timer := time.NewTimer(e.cfg.SyncInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-timer.C:
		case <-w.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(e.runCycle(ctx, w))
	}
}

// runCycle performs one sync cycle toward a peer and returns how long to
// wait before the next one.
func (e *Engine) runCycle(ctx context.Context, w *peerWorker) time.Duration {
	if e.snapshotPause.Load() {
		return e.cfg.SyncInterval
	}
	if !e.registry.IsLive(w.peerID, time.Now()) {
		w.setState(StateIdle, "")
		return e.cfg.SyncInterval
	}

	e.refreshEndpoint(w)

	state, err := e.peerState(w.peerID)
	if err != nil {
		return e.failCycle(w, nil, err)
	}

	err = e.syncOnce(ctx, w, state)
	if isSessionRejected(err) {
		// The peer no longer honors our session; discard and redo the
		// cycle with a fresh handshake.
		e.discardSession(w.peerID)
		err = e.syncOnce(ctx, w, state)
	}
	if err != nil {
		return e.failCycle(w, state, err)
	}

	now := time.Now().UTC()
	w.mu.Lock()
	w.failures = 0
	w.state = StateIdle
	w.lastErr = ""
	w.mu.Unlock()

	state.ConsecutiveFailures = 0
	state.LastError = ""
	state.LastSyncAt = now
	if err := e.store.SavePeerSyncState(state); err != nil {
		e.logger.Warn().Err(err).Str("peer", w.peerID).Msg("sync state save failed")
	}

	e.counters.cycles.Add(1)
	e.counters.lastSync.Store(now.UnixNano())
	e.broker.Publish(&events.Event{
		Type:   events.EventSyncCompleted,
		NodeID: w.peerID,
		Metadata: map[string]string{
			"pull_watermark": fmt.Sprintf("%d", state.PullWatermark),
			"push_watermark": fmt.Sprintf("%d", state.PushWatermark),
		},
	})
	return e.cfg.SyncInterval
}

// refreshEndpoint swaps the worker's client when discovery moved the peer.
func (e *Engine) refreshEndpoint(w *peerWorker) {
	endpoint := e.endpointFor(w.peerID)
	if endpoint == "" || endpoint == w.getClient().Endpoint() {
		return
	}
	old := w.getClient()
	w.setClient(e.newClient(endpoint))
	_ = old.Close()
	e.logger.Info().Str("peer", w.peerID).Str("endpoint", endpoint).Msg("peer endpoint changed")
}

// syncOnce is one full exchange: session, pull+apply, push.
func (e *Engine) syncOnce(ctx context.Context, w *peerWorker, state *types.PeerSyncState) error {
	if err := e.ensureSession(ctx, w); err != nil {
		return fmt.Errorf("authenticate %s: %w", w.peerID, err)
	}
	w.setState(StateSyncing, "")
	if err := e.pullPhase(ctx, w, state); err != nil {
		return fmt.Errorf("pull from %s: %w", w.peerID, err)
	}
	if err := e.pushPhase(ctx, w, state); err != nil {
		return fmt.Errorf("push to %s: %w", w.peerID, err)
	}
	return nil
}

// ensureSession resumes the persisted session with the peer or runs a full
// handshake.
func (e *Engine) ensureSession(ctx context.Context, w *peerWorker) error {
	client := w.getClient()
	if client.HasSession() {
		w.setState(StateSessioned, "")
		return nil
	}
	w.setState(StateAuthenticating, "")

	if sess, err := e.security.SessionFor(w.peerID); err == nil {
		caps := types.Capabilities{}
		if node, nerr := e.store.GetNode(w.peerID); nerr == nil {
			caps = node.Capabilities
		}
		if rerr := client.Resume(ctx, sess, caps); rerr == nil {
			w.setState(StateSessioned, "")
			return nil
		}
	}

	if _, err := client.Authenticate(ctx); err != nil {
		return err
	}
	w.setState(StateSessioned, "")
	return nil
}

// pullPhase drains the peer's event stream above our watermark, settling
// each batch and acking what settled. The scan cursor outruns a pinned
// watermark so one cycle still sees the whole backlog.
func (e *Engine) pullPhase(ctx context.Context, w *peerWorker, state *types.PeerSyncState) error {
	client := w.getClient()
	cursor := state.PullWatermark
	pinned := false

	for {
		batch, err := client.Pull(ctx, cursor, e.cfg.MaxBatchSize)
		if err != nil {
			return err
		}
		if len(batch.Events) == 0 {
			return nil
		}

		res := e.settleBatch(w.peerID, batch.Events, state.PullWatermark, pinned)
		pinned = res.pinned
		for _, ev := range batch.Events {
			if ev != nil && ev.LamportClock > cursor {
				cursor = ev.LamportClock
			}
		}

		state.PullWatermark = res.watermark
		state.EventsPulled += uint64(res.applied)
		if err := e.store.SavePeerSyncState(state); err != nil {
			return fmt.Errorf("persist sync state: %w", err)
		}

		if len(res.settled) > 0 {
			if _, err := client.AckProcessed(ctx, res.settled, res.watermark); err != nil {
				return err
			}
		}
		if !batch.HasMore {
			return nil
		}
	}
}

// pushPhase sends our log above the peer's confirmed watermark. Events the
// peer originated are filtered out; it has them.
func (e *Engine) pushPhase(ctx context.Context, w *peerWorker, state *types.PeerSyncState) error {
	client := w.getClient()
	cursor := state.PushWatermark

	for {
		evs, hasMore, err := e.store.EventsSince(cursor, e.cfg.MaxBatchSize)
		if err != nil {
			return fmt.Errorf("scan outbound events: %w", err)
		}
		if len(evs) == 0 {
			return nil
		}

		maxSeen := cursor
		outbound := make([]*types.ChangeEvent, 0, len(evs))
		for _, ev := range evs {
			if ev.LamportClock > maxSeen {
				maxSeen = ev.LamportClock
			}
			if ev.SourceNodeID == w.peerID {
				continue
			}
			outbound = append(outbound, ev)
		}

		if len(outbound) > 0 {
			ack, err := client.Push(ctx, outbound)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			for _, id := range ack.EventIDs {
				receipt := &types.EventReceipt{
					EventID:       id,
					ReceiverID:    w.peerID,
					ProcessedAt:   now,
					LamportAtPull: ack.Watermark,
				}
				if err := e.store.MarkProcessed(receipt); err != nil {
					return fmt.Errorf("record peer receipt: %w", err)
				}
			}
			if ack.Watermark > state.PushWatermark {
				state.PushWatermark = ack.Watermark
			}
			state.EventsPushed += uint64(len(ack.EventIDs))
			e.counters.pushed.Add(uint64(len(ack.EventIDs)))
		} else if maxSeen > state.PushWatermark {
			// The scanned tail was entirely the peer's own events.
			state.PushWatermark = maxSeen
		}

		cursor = maxSeen
		if err := e.store.SavePeerSyncState(state); err != nil {
			return fmt.Errorf("persist sync state: %w", err)
		}
		if !hasMore {
			return nil
		}
	}
}

// failCycle records a failed cycle and returns the backoff delay.
func (e *Engine) failCycle(w *peerWorker, state *types.PeerSyncState, err error) time.Duration {
	w.mu.Lock()
	w.failures++
	failures := w.failures
	w.state = StateFailed
	w.lastErr = err.Error()
	w.mu.Unlock()

	delay := e.backoffFor(failures)
	if state != nil {
		state.ConsecutiveFailures = failures
		state.LastError = err.Error()
		if serr := e.store.SavePeerSyncState(state); serr != nil {
			e.logger.Warn().Err(serr).Str("peer", w.peerID).Msg("sync state save failed")
		}
	}

	e.counters.failures.Add(1)
	e.logger.Warn().
		Err(err).
		Str("peer", w.peerID).
		Int("failures", failures).
		Dur("backoff", delay).
		Msg("sync cycle failed")
	e.broker.Publish(&events.Event{
		Type:    events.EventSyncFailed,
		NodeID:  w.peerID,
		Message: err.Error(),
		Metadata: map[string]string{
			"failures": fmt.Sprintf("%d", failures),
			"backoff":  delay.String(),
		},
	})
	return delay
}

// backoffFor doubles the base delay per consecutive failure, capped.
func (e *Engine) backoffFor(failures int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

// peerState loads the persisted sync progress for a peer, zeroed when the
// peer has never been synced.
func (e *Engine) peerState(peerID string) (*types.PeerSyncState, error) {
	state, err := e.store.GetPeerSyncState(peerID)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.PeerSyncState{PeerNodeID: peerID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	return state, nil
}

// discardSession revokes the locally persisted session with a peer after
// the peer rejected it.
func (e *Engine) discardSession(peerID string) {
	if sess, err := e.security.SessionFor(peerID); err == nil {
		_ = e.security.RevokeSession(sess.SessionID, "rejected by peer")
	}
}

func isSessionRejected(err error) bool {
	var re *transport.RemoteError
	return errors.As(err, &re) &&
		(re.Code == transport.CodeSessionInvalid || re.Code == transport.CodeAuthFailed)
}

// ResetPeerWatermark rewinds the pull watermark for a peer so the next
// cycle re-pulls from the given point. Partition recovery uses this after
// truncating divergent history.
func (e *Engine) ResetPeerWatermark(peerID string, to uint64) error {
	state, err := e.peerState(peerID)
	if err != nil {
		return err
	}
	state.PullWatermark = to
	if err := e.store.SavePeerSyncState(state); err != nil {
		return err
	}
	e.nudgePeer(peerID)
	return nil
}

// ResetPushWatermark rewinds the push watermark so our whole log is
// re-offered to the peer. The peer's receipt dedupe keeps the replay
// cheap; only events it never settled land.
func (e *Engine) ResetPushWatermark(peerID string, to uint64) error {
	state, err := e.peerState(peerID)
	if err != nil {
		return err
	}
	state.PushWatermark = to
	if err := e.store.SavePeerSyncState(state); err != nil {
		return err
	}
	e.nudgePeer(peerID)
	return nil
}

// DigestFrom fetches a consistency digest from a peer over the worker's
// authenticated channel.
func (e *Engine) DigestFrom(ctx context.Context, peerID string, window int) (*transport.DigestResponse, error) {
	w, err := e.workerFor(peerID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureSession(ctx, w); err != nil {
		return nil, err
	}
	return w.getClient().Digest(ctx, window)
}

// RequestSnapshotFrom asks a peer to stage a full snapshot for download.
func (e *Engine) RequestSnapshotFrom(ctx context.Context, peerID, reason string) (*transport.SnapshotReady, error) {
	w, err := e.workerFor(peerID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureSession(ctx, w); err != nil {
		return nil, err
	}
	return w.getClient().RequestSnapshot(ctx, reason)
}

// FetchSnapshotChunkFrom downloads one chunk of a staged snapshot.
func (e *Engine) FetchSnapshotChunkFrom(ctx context.Context, peerID, sessionID string, seq int) (*transport.SnapshotChunk, error) {
	w, err := e.workerFor(peerID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureSession(ctx, w); err != nil {
		return nil, err
	}
	return w.getClient().FetchSnapshotChunk(ctx, sessionID, seq)
}

// CompleteSnapshotTo reports the outcome of a snapshot transfer to the
// donor.
func (e *Engine) CompleteSnapshotTo(ctx context.Context, peerID, sessionID string, success bool, detail string) (*transport.Ack, error) {
	w, err := e.workerFor(peerID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureSession(ctx, w); err != nil {
		return nil, err
	}
	return w.getClient().CompleteSnapshot(ctx, sessionID, success, detail)
}

// PeerStatus is one peer's sync posture for the status API.
type PeerStatus struct {
	PeerID              string     `json:"peerId"`
	Endpoint            string     `json:"endpoint"`
	State               CycleState `json:"state"`
	Live                bool       `json:"live"`
	PullWatermark       uint64     `json:"pullWatermark"`
	PushWatermark       uint64     `json:"pushWatermark"`
	LastSyncAt          time.Time  `json:"lastSyncAt"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	EventsPulled        uint64     `json:"eventsPulled"`
	EventsPushed        uint64     `json:"eventsPushed"`
}

// PeerStatuses reports every worker's live state merged with persisted
// progress, sorted by peer id.
func (e *Engine) PeerStatuses() []PeerStatus {
	e.mu.Lock()
	workers := make([]*peerWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	now := time.Now()
	out := make([]PeerStatus, 0, len(workers))
	for _, w := range workers {
		st, lastErr, failures := w.snapshot()
		ps := PeerStatus{
			PeerID:              w.peerID,
			Endpoint:            w.getClient().Endpoint(),
			State:               st,
			Live:                e.registry.IsLive(w.peerID, now),
			LastError:           lastErr,
			ConsecutiveFailures: failures,
		}
		if persisted, err := e.store.GetPeerSyncState(w.peerID); err == nil {
			ps.PullWatermark = persisted.PullWatermark
			ps.PushWatermark = persisted.PushWatermark
			ps.LastSyncAt = persisted.LastSyncAt
			ps.EventsPulled = persisted.EventsPulled
			ps.EventsPushed = persisted.EventsPushed
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Totals aggregates engine counters for the status API and the health
// monitor.
type Totals struct {
	EventsApplied     uint64    `json:"eventsApplied"`
	EventsSkipped     uint64    `json:"eventsSkipped"`
	EventsQuarantined uint64    `json:"eventsQuarantined"`
	ConflictsResolved uint64    `json:"conflictsResolved"`
	EventsPushed      uint64    `json:"eventsPushed"`
	SyncCycles        uint64    `json:"syncCycles"`
	CycleFailures     uint64    `json:"cycleFailures"`
	LastSyncAt        time.Time `json:"lastSyncAt"`
}

// Totals returns a snapshot of the engine counters.
func (e *Engine) Totals() Totals {
	t := Totals{
		EventsApplied:     e.counters.applied.Load(),
		EventsSkipped:     e.counters.skipped.Load(),
		EventsQuarantined: e.counters.quarantined.Load(),
		ConflictsResolved: e.counters.conflicts.Load(),
		EventsPushed:      e.counters.pushed.Load(),
		SyncCycles:        e.counters.cycles.Load(),
		CycleFailures:     e.counters.failures.Load(),
	}
	if ns := e.counters.lastSync.Load(); ns > 0 {
		t.LastSyncAt = time.Unix(0, ns).UTC()
	}
	return t
}
