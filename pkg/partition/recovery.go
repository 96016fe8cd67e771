package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"
	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/clock"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/snapshot"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/tracker"
	"github.com/dukahub/dukasync/pkg/transport"
	"github.com/dukahub/dukasync/pkg/types"
)

// ErrRecoveryInFlight is returned when a second bulk adoption is requested
// while one is still running.
var ErrRecoveryInFlight = errors.New("a recovery is already in flight")

// Transfer is the engine surface the joiner side drives: authenticated
// snapshot calls plus the apply pause. *engine.Engine satisfies it.
type Transfer interface {
	RequestSnapshotFrom(ctx context.Context, peerID, reason string) (*transport.SnapshotReady, error)
	FetchSnapshotChunkFrom(ctx context.Context, peerID, sessionID string, seq int) (*transport.SnapshotChunk, error)
	CompleteSnapshotTo(ctx context.Context, peerID, sessionID string, success bool, detail string) (*transport.Ack, error)
	PauseApply()
	ResumeApply()
}

// ManagerConfig assembles a recovery manager.
type ManagerConfig struct {
	SelfID   string
	Store    storage.Store
	Clock    *clock.Clock
	Tracker  *tracker.Tracker
	Transfer Transfer
	Broker   *events.Broker

	// BackupsDir holds staged exports and downloaded archives.
	BackupsDir string
	// ChunkSize for donor-side serving. Default snapshot.DefaultChunkSize.
	ChunkSize int
	// RateLimit caps donor transfer bandwidth in bytes per second. Zero
	// means unpaced.
	RateLimit int
	// MinPeerVersion is the semver floor both sides enforce on the other
	// before moving bulk state. Empty disables the gate; peers advertising
	// an unparsable version (dev builds) pass it.
	MinPeerVersion string
	// Excluded filters tables out of exports; nil exports everything.
	Excluded func(table string) bool
	// StaleExportAge is how long a staged export survives without the
	// joiner finishing. Default 30m.
	StaleExportAge time.Duration
	// PersistEvery is how many chunks pass between progress persists.
	// Default 16.
	PersistEvery int
}

// donorExport is one staged archive being served to a joiner.
type donorExport struct {
	rs       *types.RecoverySession
	src      *snapshot.ChunkSource
	path     string
	stagedAt time.Time
}

// Manager implements both ends of bulk snapshot recovery. As donor it is
// the engine's SnapshotDonor: it stages archive exports and serves paced
// chunks. As joiner it downloads, verifies, and applies a donor's archive
// while the node is quiesced.
type Manager struct {
	cfg     ManagerConfig
	store   storage.Store
	logger  zerolog.Logger
	minVer  *goversion.Version
	joining atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	staging sync.Mutex // serializes exports; tracker gating is not reentrant
	exports map[string]*donorExport
}

// NewManager builds a recovery manager. Store, Clock, Tracker, and Broker
// are required; Transfer may be nil on a node that only ever donates.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("recovery manager needs a node id")
	}
	if cfg.Store == nil || cfg.Clock == nil || cfg.Tracker == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("recovery manager needs store, clock, tracker, and broker")
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = "./backups"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = snapshot.DefaultChunkSize
	}
	if cfg.StaleExportAge <= 0 {
		cfg.StaleExportAge = 30 * time.Minute
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = 16
	}
	m := &Manager{
		cfg:     cfg,
		store:   cfg.Store,
		logger:  log.WithComponent("recovery"),
		exports: make(map[string]*donorExport),
	}
	if cfg.MinPeerVersion != "" {
		v, err := goversion.NewVersion(cfg.MinPeerVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum peer version %q: %w", cfg.MinPeerVersion, err)
		}
		m.minVer = v
	}
	return m, nil
}

// Start launches the stale-export sweeper.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("recovery manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop()
	m.logger.Info().
		Str("backups", m.cfg.BackupsDir).
		Int("chunk_size", m.cfg.ChunkSize).
		Int("rate_limit", m.cfg.RateLimit).
		Msg("recovery manager started")
	return nil
}

// Stop halts the sweeper and abandons any staged exports.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	stale := make([]*donorExport, 0, len(m.exports))
	for _, de := range m.exports {
		stale = append(stale, de)
	}
	m.exports = make(map[string]*donorExport)
	m.mu.Unlock()
	for _, de := range stale {
		m.finishDonor(de, false, "daemon shutting down")
	}
	m.logger.Info().Msg("recovery manager stopped")
	return nil
}

// IsRunning reports whether the manager has been started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Recovering reports whether a joiner-side adoption is in flight.
func (m *Manager) Recovering() bool {
	return m.joining.Load()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StaleExportAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStale(time.Now())
		}
	}
}

// sweepStale abandons exports whose joiner went quiet mid-transfer.
func (m *Manager) sweepStale(now time.Time) {
	m.mu.Lock()
	var stale []*donorExport
	for id, de := range m.exports {
		if now.Sub(de.stagedAt) > m.cfg.StaleExportAge {
			stale = append(stale, de)
			delete(m.exports, id)
		}
	}
	m.mu.Unlock()
	for _, de := range stale {
		m.logger.Warn().
			Str("session", de.rs.SessionID).
			Str("joiner", de.rs.JoinerNodeID).
			Msg("staged snapshot abandoned by joiner")
		m.finishDonor(de, false, "transfer abandoned")
	}
}

// checkPeerVersion enforces the semver floor against a peer's advertised
// node version. Unknown peers and unparsable versions pass.
func (m *Manager) checkPeerVersion(peerID string) error {
	if m.minVer == nil {
		return nil
	}
	node, err := m.store.GetNode(peerID)
	if err != nil {
		return nil
	}
	v, err := goversion.NewVersion(node.Capabilities.NodeVersion)
	if err != nil {
		return nil
	}
	if v.LessThan(m.minVer) {
		return fmt.Errorf("peer %s runs %s, below supported floor %s", peerID, v, m.minVer)
	}
	return nil
}

// --- Donor side (engine.SnapshotDonor) ---

// StageSnapshot exports the full business state into an archive and
// registers it for chunked download by the requesting peer. Change
// capture is disabled for the duration of the export so the dump is
// consistent.
func (m *Manager) StageSnapshot(peerID, reason string) (*transport.SnapshotReady, error) {
	if err := m.checkPeerVersion(peerID); err != nil {
		return nil, err
	}

	m.staging.Lock()
	defer m.staging.Unlock()

	// A re-request from the same joiner supersedes its earlier export.
	m.mu.Lock()
	var superseded []*donorExport
	for id, de := range m.exports {
		if de.rs.JoinerNodeID == peerID {
			superseded = append(superseded, de)
			delete(m.exports, id)
		}
	}
	m.mu.Unlock()
	for _, de := range superseded {
		m.finishDonor(de, false, "superseded by new request")
	}

	rs := &types.RecoverySession{
		SessionID:    uuid.NewString(),
		DonorNodeID:  m.cfg.SelfID,
		JoinerNodeID: peerID,
		Phase:        types.RecoveryPhaseRequested,
		StartedAt:    time.Now().UTC(),
	}
	if err := m.store.SaveRecoverySession(rs); err != nil {
		return nil, fmt.Errorf("record recovery session: %w", err)
	}
	m.publishRecovery(events.EventRecoveryStarted, rs, "donor", reason)

	rs.Phase = types.RecoveryPhaseExporting
	_ = m.store.SaveRecoverySession(rs)

	m.cfg.Tracker.SetEnabled(false)
	vc, lamport := m.cfg.Clock.Snapshot()
	path, manifest, err := snapshot.Export(m.store, snapshot.ExportOptions{
		Dir:          m.cfg.BackupsDir,
		SessionID:    rs.SessionID,
		DonorNodeID:  m.cfg.SelfID,
		VectorClock:  vc,
		LamportClock: lamport,
		Excluded:     m.cfg.Excluded,
	})
	m.cfg.Tracker.SetEnabled(true)
	if err != nil {
		m.failSession(rs, "export failed: "+err.Error())
		return nil, fmt.Errorf("stage snapshot: %w", err)
	}

	src, err := snapshot.OpenChunkSource(path, m.cfg.ChunkSize, m.cfg.RateLimit)
	if err != nil {
		_ = os.Remove(path)
		m.failSession(rs, "staging failed: "+err.Error())
		return nil, fmt.Errorf("stage snapshot: %w", err)
	}

	rs.Phase = types.RecoveryPhaseTransferring
	rs.SnapshotFilename = path
	rs.BytesTotal = src.Size()
	if err := m.store.SaveRecoverySession(rs); err != nil {
		m.logger.Warn().Err(err).Msg("recovery session write failed")
	}

	m.mu.Lock()
	m.exports[rs.SessionID] = &donorExport{rs: rs, src: src, path: path, stagedAt: time.Now()}
	m.mu.Unlock()

	m.logger.Info().
		Str("session", rs.SessionID).
		Str("joiner", peerID).
		Str("reason", reason).
		Str("size", humanize.Bytes(uint64(src.Size()))).
		Int("tables", manifest.Tables).
		Int("rows", manifest.Rows).
		Msg("snapshot staged for download")

	return &transport.SnapshotReady{
		SessionID:  rs.SessionID,
		DonorID:    m.cfg.SelfID,
		BytesTotal: src.Size(),
		ChunkSize:  src.ChunkSize(),
		Tables:     manifest.Tables,
	}, nil
}

// SnapshotChunk serves one chunk of a staged export to its joiner.
func (m *Manager) SnapshotChunk(peerID, sessionID string, seq int) (*transport.SnapshotChunk, error) {
	m.mu.Lock()
	de, ok := m.exports[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no staged snapshot for session %s", sessionID)
	}
	if de.rs.JoinerNodeID != peerID {
		return nil, fmt.Errorf("session %s belongs to another joiner", sessionID)
	}

	data, eof, err := de.src.ChunkAt(context.Background(), seq)
	if err != nil {
		return nil, err
	}
	de.rs.BytesReceived += int64(len(data))
	if eof || seq%m.cfg.PersistEvery == 0 {
		_ = m.store.SaveRecoverySession(de.rs)
	}
	return &transport.SnapshotChunk{SessionID: sessionID, Seq: seq, Data: data, EOF: eof}, nil
}

// CloseSnapshot finalizes a staged export after the joiner reported its
// outcome, removing the archive from disk.
func (m *Manager) CloseSnapshot(peerID, sessionID string, success bool, detail string) error {
	m.mu.Lock()
	de, ok := m.exports[sessionID]
	if ok {
		delete(m.exports, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no staged snapshot for session %s", sessionID)
	}
	if de.rs.JoinerNodeID != peerID {
		// Don't let a stranger close someone else's transfer.
		m.mu.Lock()
		m.exports[sessionID] = de
		m.mu.Unlock()
		return fmt.Errorf("session %s belongs to another joiner", sessionID)
	}
	m.finishDonor(de, success, detail)
	return nil
}

// finishDonor closes out a donor-side export: terminal phase, stats, and
// the staged file removed.
func (m *Manager) finishDonor(de *donorExport, success bool, detail string) {
	_ = de.src.Close()
	_ = os.Remove(de.path)

	rs := de.rs
	now := time.Now().UTC()
	rs.CompletedAt = &now
	if success {
		rs.Phase = types.RecoveryPhaseComplete
	} else {
		rs.Phase = types.RecoveryPhaseFailed
		rs.FailureReason = detail
	}
	if err := m.store.SaveRecoverySession(rs); err != nil {
		m.logger.Warn().Err(err).Msg("recovery session write failed")
	}
	m.recordOutcome(success, now.Sub(rs.StartedAt), detail)
	m.publishRecovery(events.EventRecoveryFinished, rs, "donor", detail)
	m.logger.Info().
		Str("session", rs.SessionID).
		Str("joiner", rs.JoinerNodeID).
		Bool("success", success).
		Str("sent", humanize.Bytes(uint64(rs.BytesReceived))).
		Msg("snapshot transfer closed")
}

// failSession marks a session failed before it ever reached the export
// map.
func (m *Manager) failSession(rs *types.RecoverySession, reason string) {
	now := time.Now().UTC()
	rs.Phase = types.RecoveryPhaseFailed
	rs.FailureReason = reason
	rs.CompletedAt = &now
	if err := m.store.SaveRecoverySession(rs); err != nil {
		m.logger.Warn().Err(err).Msg("recovery session write failed")
	}
	m.recordOutcome(false, now.Sub(rs.StartedAt), reason)
	m.publishRecovery(events.EventRecoveryFinished, rs, "donor", reason)
}

// --- Joiner side ---

// Recover adopts a peer's full state: request a staged snapshot, download
// it chunk by chunk, verify and apply it with the node quiesced, then
// fast-forward the local clocks to the donor's manifest. Incremental sync
// resumes afterward and closes whatever gap opened during the transfer.
//
// Only one recovery runs at a time; a failed one may be retried and gets
// a fresh session from the donor.
func (m *Manager) Recover(ctx context.Context, peerID, reason string) error {
	if m.cfg.Transfer == nil {
		return fmt.Errorf("recovery manager has no transfer engine")
	}
	if !m.joining.CompareAndSwap(false, true) {
		return ErrRecoveryInFlight
	}
	defer m.joining.Store(false)

	if err := m.checkPeerVersion(peerID); err != nil {
		return err
	}

	m.logger.Info().Str("donor", peerID).Str("reason", reason).Msg("bulk recovery starting")
	ready, err := m.cfg.Transfer.RequestSnapshotFrom(ctx, peerID, reason)
	if err != nil {
		return fmt.Errorf("request snapshot from %s: %w", peerID, err)
	}

	rs := &types.RecoverySession{
		SessionID:    ready.SessionID,
		DonorNodeID:  peerID,
		JoinerNodeID: m.cfg.SelfID,
		Phase:        types.RecoveryPhaseRequested,
		BytesTotal:   ready.BytesTotal,
		StartedAt:    time.Now().UTC(),
	}
	if err := m.store.SaveRecoverySession(rs); err != nil {
		return fmt.Errorf("record recovery session: %w", err)
	}
	m.publishRecovery(events.EventRecoveryStarted, rs, "joiner", reason)

	path, err := m.download(ctx, rs, peerID)
	if err != nil {
		return m.failJoin(rs, peerID, err)
	}

	if err := m.applyArchive(rs, path); err != nil {
		return m.failJoin(rs, peerID, err)
	}

	now := time.Now().UTC()
	rs.Phase = types.RecoveryPhaseComplete
	rs.CompletedAt = &now
	if err := m.store.SaveRecoverySession(rs); err != nil {
		m.logger.Warn().Err(err).Msg("recovery session write failed")
	}
	m.recordOutcome(true, now.Sub(rs.StartedAt), "")
	m.publishRecovery(events.EventRecoveryFinished, rs, "joiner", "")

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.cfg.Transfer.CompleteSnapshotTo(cctx, peerID, rs.SessionID, true, ""); err != nil {
		// The donor's stale sweep will reap the staged file.
		m.logger.Warn().Err(err).Str("donor", peerID).Msg("completion report failed")
	}

	m.logger.Info().
		Str("session", rs.SessionID).
		Str("donor", peerID).
		Str("received", humanize.Bytes(uint64(rs.BytesReceived))).
		Dur("took", now.Sub(rs.StartedAt)).
		Msg("bulk recovery complete")
	return nil
}

// download pulls every chunk of the staged archive into the backups
// directory, enforcing order and recording progress.
func (m *Manager) download(ctx context.Context, rs *types.RecoverySession, peerID string) (string, error) {
	rs.Phase = types.RecoveryPhaseTransferring
	if err := m.store.SaveRecoverySession(rs); err != nil {
		return "", fmt.Errorf("record recovery session: %w", err)
	}

	dest := snapshot.ArchivePath(m.cfg.BackupsDir, rs.SessionID)
	sink, err := snapshot.CreateChunkSink(dest)
	if err != nil {
		return "", err
	}

	for seq := 0; ; seq++ {
		chunk, err := m.cfg.Transfer.FetchSnapshotChunkFrom(ctx, peerID, rs.SessionID, seq)
		if err != nil {
			sink.Abort()
			return "", fmt.Errorf("fetch chunk %d: %w", seq, err)
		}
		if err := sink.Put(chunk.Seq, chunk.Data); err != nil {
			sink.Abort()
			return "", err
		}
		rs.BytesReceived = sink.BytesReceived()
		if seq%m.cfg.PersistEvery == 0 {
			_ = m.store.SaveRecoverySession(rs)
			m.logger.Debug().
				Str("session", rs.SessionID).
				Str("progress", fmt.Sprintf("%s of %s",
					humanize.Bytes(uint64(rs.BytesReceived)),
					humanize.Bytes(uint64(rs.BytesTotal)))).
				Msg("snapshot transfer")
		}
		if chunk.EOF {
			break
		}
	}
	if err := sink.Close(); err != nil {
		return "", fmt.Errorf("finalize download: %w", err)
	}
	rs.SnapshotFilename = dest
	if err := m.store.SaveRecoverySession(rs); err != nil {
		m.logger.Warn().Err(err).Msg("recovery session write failed")
	}
	return dest, nil
}

// applyArchive loads the downloaded archive with the node quiesced, then
// raises the local clocks to the donor's manifest. The archive stays on
// disk afterward as a record of the adopted state.
func (m *Manager) applyArchive(rs *types.RecoverySession, path string) error {
	rs.Phase = types.RecoveryPhaseApplying
	if err := m.store.SaveRecoverySession(rs); err != nil {
		return fmt.Errorf("record recovery session: %w", err)
	}

	m.cfg.Tracker.SetEnabled(false)
	m.cfg.Transfer.PauseApply()
	defer func() {
		m.cfg.Transfer.ResumeApply()
		m.cfg.Tracker.SetEnabled(true)
	}()

	res, err := snapshot.Apply(m.store, path)
	if err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	_, _, err = m.cfg.Clock.FastForward(res.Manifest.VectorClock, func(state types.ClockState) error {
		return m.store.SaveClockState(state)
	})
	if err != nil {
		return fmt.Errorf("fast-forward clocks: %w", err)
	}
	return nil
}

// failJoin closes out a failed joiner-side recovery and tells the donor.
func (m *Manager) failJoin(rs *types.RecoverySession, peerID string, cause error) error {
	now := time.Now().UTC()
	rs.Phase = types.RecoveryPhaseFailed
	rs.FailureReason = cause.Error()
	rs.CompletedAt = &now
	if err := m.store.SaveRecoverySession(rs); err != nil {
		m.logger.Warn().Err(err).Msg("recovery session write failed")
	}
	m.recordOutcome(false, now.Sub(rs.StartedAt), cause.Error())
	m.publishRecovery(events.EventRecoveryFinished, rs, "joiner", cause.Error())

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.cfg.Transfer.CompleteSnapshotTo(cctx, peerID, rs.SessionID, false, cause.Error()); err != nil {
		m.logger.Debug().Err(err).Str("donor", peerID).Msg("failure report failed")
	}

	m.logger.Error().Err(cause).
		Str("session", rs.SessionID).
		Str("donor", peerID).
		Msg("bulk recovery failed")
	return cause
}

// recordOutcome folds one finished recovery into the persisted stats.
func (m *Manager) recordOutcome(success bool, took time.Duration, reason string) {
	stats, err := m.store.GetRecoveryStats()
	if err != nil {
		m.logger.Warn().Err(err).Msg("recovery stats load failed")
		return
	}
	prev := stats.Total
	stats.Total++
	if success {
		stats.Successful++
	} else {
		stats.Failed++
		if reason != "" {
			if stats.FailureReasons == nil {
				stats.FailureReasons = make(map[string]int64)
			}
			stats.FailureReasons[reason]++
		}
	}
	stats.AvgDuration = time.Duration((int64(stats.AvgDuration)*int64(prev) + int64(took)) / int64(stats.Total))
	stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	if err := m.store.SaveRecoveryStats(stats); err != nil {
		m.logger.Warn().Err(err).Msg("recovery stats write failed")
	}
}

func (m *Manager) publishRecovery(eventType events.EventType, rs *types.RecoverySession, role, detail string) {
	m.cfg.Broker.Publish(&events.Event{
		Type:    eventType,
		NodeID:  rs.DonorNodeID,
		Message: detail,
		Metadata: map[string]string{
			"session_id": rs.SessionID,
			"role":       role,
			"phase":      string(rs.Phase),
		},
	})
}
