package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/engine"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/tracker"
	"github.com/dukahub/dukasync/pkg/types"
)

// EngineStats is the counter surface the monitor polls from the sync engine.
type EngineStats interface {
	Totals() engine.Totals
}

// Liveness is the running-state probe every daemon component exposes.
type Liveness interface {
	IsRunning() bool
}

// Config assembles a health monitor.
type Config struct {
	Store    storage.Store
	Registry *discovery.Registry
	Tracker  *tracker.Tracker
	Engine   EngineStats

	// Interval paces collection. Default 60s.
	Interval time.Duration
}

// Monitor periodically refreshes the exported gauges from live component
// state and persists a sync_metrics counters row so history survives
// restarts.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	watched map[string]Liveness
}

// NewMonitor builds a health monitor. Store, Registry, and Engine are
// required.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("health monitor needs store, registry, and engine")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		logger:  log.WithComponent("metrics"),
		watched: make(map[string]Liveness),
	}, nil
}

// Watch registers a component whose running state is exported as
// dukasync_component_up.
func (m *Monitor) Watch(name string, c Liveness) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[name] = c
}

// Components reports the current running state of every watched component.
func (m *Monitor) Components() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.watched))
	for name, c := range m.watched {
		out[name] = c.IsRunning()
	}
	return out
}

// Start launches the collection loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("health monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("health monitor started")
	return nil
}

// Stop halts the collection loop.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info().Msg("health monitor stopped")
	return nil
}

// IsRunning reports whether the monitor loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	m.collect(time.Now().UTC())
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect(time.Now().UTC())
		}
	}
}

// collect refreshes every exported gauge and persists one counters row.
func (m *Monitor) collect(now time.Time) {
	snap := &types.MetricsSnapshot{Timestamp: now}

	counts := map[types.PeerState]int{
		types.PeerStateUnknown:     0,
		types.PeerStateReachable:   0,
		types.PeerStateUnreachable: 0,
		types.PeerStatePartitioned: 0,
	}
	for _, node := range m.cfg.Registry.Peers() {
		counts[node.State]++
	}
	for state, n := range counts {
		PeersTotal.WithLabelValues(string(state)).Set(float64(n))
	}
	snap.PeersReachable = counts[types.PeerStateReachable]

	tot := m.cfg.Engine.Totals()
	EventsApplied.Set(float64(tot.EventsApplied))
	EventsPushed.Set(float64(tot.EventsPushed))
	EventsQuarantined.Set(float64(tot.EventsQuarantined))
	ConflictsResolved.Set(float64(tot.ConflictsResolved))
	SyncCycles.Set(float64(tot.SyncCycles))
	CycleFailures.Set(float64(tot.CycleFailures))
	if !tot.LastSyncAt.IsZero() {
		LastSyncTimestamp.Set(float64(tot.LastSyncAt.Unix()))
	}
	snap.EventsApplied = tot.EventsApplied
	snap.EventsQuarantined = tot.EventsQuarantined
	snap.ConflictsResolved = tot.ConflictsResolved
	snap.SyncCycles = tot.SyncCycles

	if m.cfg.Tracker != nil {
		captured := m.cfg.Tracker.Captured()
		EventsCaptured.Set(float64(captured))
		TrackerQueueDepth.Set(float64(m.cfg.Tracker.QueueDepth()))
		snap.EventsCaptured = captured
	}

	if n, err := m.cfg.Store.CountEvents(); err == nil {
		EventLogSize.Set(float64(n))
	}
	if open, err := m.cfg.Store.ListPartitions(true); err == nil {
		PartitionsOpen.Set(float64(len(open)))
		snap.PartitionsOpen = len(open)
	}
	if stats, err := m.cfg.Store.GetRecoveryStats(); err == nil {
		Recoveries.WithLabelValues("ok").Set(float64(stats.Successful))
		Recoveries.WithLabelValues("failed").Set(float64(stats.Failed))
		snap.RecoveriesTotal = stats.Total
		snap.RecoveriesFailed = stats.Failed
	}

	m.mu.Lock()
	for name, c := range m.watched {
		up := 0.0
		if c.IsRunning() {
			up = 1.0
		}
		ComponentUp.WithLabelValues(name).Set(up)
	}
	m.mu.Unlock()

	if err := m.cfg.Store.SaveMetricsSnapshot(snap); err != nil {
		m.logger.Warn().Err(err).Msg("metrics snapshot write failed")
	}
}
