package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dukahub/dukasync/pkg/api"
	"github.com/dukahub/dukasync/pkg/clock"
	"github.com/dukahub/dukasync/pkg/config"
	"github.com/dukahub/dukasync/pkg/discovery"
	"github.com/dukahub/dukasync/pkg/engine"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/metrics"
	"github.com/dukahub/dukasync/pkg/partition"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/tracker"
	"github.com/dukahub/dukasync/pkg/transport"
	"github.com/dukahub/dukasync/pkg/types"
)

// Process exit codes for errors out of New and Run. Config errors are
// normally caught by config.Load before New ever runs; New re-checks so a
// hand-built Config classifies the same way.
const (
	ExitOK       = 0
	ExitConfig   = 1
	ExitPrecheck = 2
	ExitIdentity = 3
	ExitRuntime  = 4
)

var (
	// ErrConfig marks configurations the daemon cannot start with.
	ErrConfig = errors.New("invalid configuration")
	// ErrPrecheck marks database precheck exhaustion.
	ErrPrecheck = errors.New("database precheck failed")
	// ErrIdentity marks node identity bootstrap failures.
	ErrIdentity = errors.New("identity bootstrap failed")
)

// ExitCode translates an error from New or Run into the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrPrecheck):
		return ExitPrecheck
	case errors.Is(err, ErrIdentity):
		return ExitIdentity
	default:
		return ExitRuntime
	}
}

// watchInterval paces the subsystem liveness sweep. Variable so tests can
// tighten it.
var watchInterval = 5 * time.Second

// component pairs a started subsystem with its stop hook so shutdown
// unwinds exactly what Start brought up, in reverse. live is nil for
// subsystems that cannot die on their own.
type component struct {
	name string
	stop func() error
	live func() bool
}

// Daemon owns every subsystem of a sync node: store, identity, clocks,
// change capture, discovery, the sync engine and its TCP listener,
// partition handling, metrics collection and the local HTTP API.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  zerolog.Logger

	store    storage.Store
	self     *types.Node
	clock    *clock.Clock
	broker   *events.Broker
	security *security.Manager
	tracker  *tracker.Tracker
	disco    *discovery.Server
	engine   *engine.Engine
	listener *transport.Server
	recovery *partition.Manager
	detector *partition.Detector
	monitor  *metrics.Monitor
	api      *api.Server

	mu      sync.Mutex
	running bool
	started []component
}

// New runs the boot sequence up to, but not including, binding any
// listener: precheck the database, load or mint the node identity, restore
// clocks, and construct every subsystem. A daemon New returns is ready to
// Start.
func New(cfg *config.Config, version string) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if version == "" {
		version = "dev"
	}

	logger := log.WithComponent("daemon")

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logger,
		store:   st,
	}
	if err := d.bootstrap(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return d, nil
}

// bootstrap loads identity and wires every subsystem together. Nothing
// here touches the network.
func (d *Daemon) bootstrap() error {
	cfg := d.cfg

	nodeID, err := loadOrCreateNodeID(d.store)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	d.logger = d.logger.With().Str("node_id", nodeID).Logger()

	if cfg.RegistrationKey == "" {
		d.logger.Warn().Msg("no registration key configured; any node on this network can register")
	}

	sec, err := security.NewManager(d.store, nodeID, security.Config{
		RegistrationKey:      cfg.RegistrationKey,
		TokenTTL:             cfg.AuthTokenTTL,
		SessionTTL:           cfg.SessionTTL,
		SessionHardCap:       cfg.SessionHardCap,
		RateLimitWindow:      cfg.RateLimitWindow,
		RateLimitMaxRequests: cfg.RateLimitMaxRequests,
		MaxFailedAttempts:    cfg.MaxFailedAttempts,
		EnableSignatures:     cfg.EnableSignatures,
	})
	if err != nil {
		return fmt.Errorf("%w: security manager: %v", ErrIdentity, err)
	}
	d.security = sec

	caps := types.Capabilities{
		Compression:        cfg.EnableCompression,
		Encryption:         cfg.EnableEncryption,
		VectorClocks:       true,
		ConflictResolution: true,
		Signatures:         cfg.EnableSignatures,
		NodeVersion:        d.version,
	}

	self, err := registerSelf(d.store, sec, cfg, nodeID, caps)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	d.self = self

	d.clock = clock.New(nodeID)
	state, err := d.store.GetClockState(nodeID)
	switch {
	case err == nil:
		d.clock.Restore(state)
	case errors.Is(err, storage.ErrNotFound):
		// First boot, fresh clocks.
	default:
		return fmt.Errorf("%w: restore clock state: %v", ErrIdentity, err)
	}

	d.broker = events.NewBroker()

	d.tracker = tracker.New(tracker.Config{
		Store:       d.store,
		Clock:       d.clock,
		Broker:      d.broker,
		Security:    sec,
		Excluded:    cfg.ExcludedTables,
		NodeVersion: d.version,
		QueueSize:   cfg.OfflineQueueSize,
	})

	d.disco = discovery.NewServer(d.store, sec, d.broker, &discovery.Config{
		NodeID:               nodeID,
		NodeName:             cfg.NodeName,
		Mode:                 cfg.DiscoveryMode,
		Port:                 cfg.DiscoveryPort(),
		SyncPort:             cfg.SyncPort,
		AdvertiseAddr:        cfg.AdvertiseAddr,
		AnnounceInterval:     cfg.AnnounceInterval,
		UnreachableThreshold: cfg.UnreachableThreshold,
		Capabilities:         caps,
	})

	eng, err := engine.New(engine.Config{
		SelfID:                 nodeID,
		SelfName:               cfg.NodeName,
		Capabilities:           caps,
		Store:                  d.store,
		Clock:                  d.clock,
		Security:               sec,
		Broker:                 d.broker,
		Registry:               d.disco.Registry(),
		SyncInterval:           cfg.SyncInterval,
		MaxBatchSize:           cfg.MaxBatchSize,
		BackoffBase:            cfg.BackoffBase,
		BackoffMax:             cfg.BackoffMax,
		NetworkTimeout:         cfg.NetworkTimeout,
		RetentionMaxAge:        cfg.RetentionMaxAge,
		RetentionSweepInterval: cfg.RetentionSweepInterval,
	})
	if err != nil {
		return fmt.Errorf("build sync engine: %w", err)
	}
	d.engine = eng

	d.listener = transport.NewServer(sec, eng, &transport.ServerConfig{
		BindAddr: ":" + strconv.Itoa(cfg.SyncPort),
	})

	rec, err := partition.NewManager(partition.ManagerConfig{
		SelfID:     nodeID,
		Store:      d.store,
		Clock:      d.clock,
		Tracker:    d.tracker,
		Transfer:   eng,
		Broker:     d.broker,
		BackupsDir: cfg.BackupsDir,
		RateLimit:  cfg.SnapshotRateLimit,
		Excluded:   cfg.IsExcluded,
	})
	if err != nil {
		return fmt.Errorf("build recovery manager: %w", err)
	}
	d.recovery = rec
	eng.SetSnapshotDonor(rec)

	det, err := partition.NewDetector(partition.DetectorConfig{
		SelfID:   nodeID,
		Store:    d.store,
		Registry: d.disco.Registry(),
		Engine:   eng,
		Broker:   d.broker,
		Recovery: rec,
		// A peer is partitioned once it has been silent for the same
		// horizon discovery uses to mark it unreachable.
		PeerTimeout:    cfg.AnnounceInterval * time.Duration(cfg.UnreachableThreshold),
		DigestWindow:   cfg.DigestWindow,
		MismatchCycles: cfg.DigestMismatchCycles,
		NetworkTimeout: cfg.NetworkTimeout,
	})
	if err != nil {
		return fmt.Errorf("build partition detector: %w", err)
	}
	d.detector = det

	mon, err := metrics.NewMonitor(metrics.Config{
		Store:    d.store,
		Registry: d.disco.Registry(),
		Tracker:  d.tracker,
		Engine:   eng,
		Interval: cfg.HealthInterval,
	})
	if err != nil {
		return fmt.Errorf("build health monitor: %w", err)
	}
	d.monitor = mon

	apiServer, err := api.NewServer(api.Config{
		BindAddr:   ":" + strconv.Itoa(cfg.APIPort()),
		Version:    d.version,
		Self:       self,
		Engine:     eng,
		Registry:   d.disco.Registry(),
		Store:      d.store,
		Security:   sec,
		Partitions: det,
		Monitor:    mon,
	})
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}
	d.api = apiServer

	mon.Watch("transport", d.listener)
	mon.Watch("discovery", d.disco)
	mon.Watch("engine", eng)
	mon.Watch("recovery", rec)
	mon.Watch("detector", det)
	mon.Watch("api", apiServer)

	return nil
}

// Start brings every subsystem up in dependency order: the TCP listener
// before discovery announces it, discovery before the engine that works
// off its registry, recovery before the detector that triggers it, the
// API last so it never reports half a boot. On failure it stops whatever
// had already started, in reverse, and returns the cause.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info().
		Str("node_name", d.cfg.NodeName).
		Str("endpoint", d.self.Endpoint).
		Str("version", d.version).
		Int("sync_port", d.cfg.SyncPort).
		Int("api_port", d.cfg.APIPort()).
		Msg("starting")

	steps := []struct {
		name  string
		start func() error
		stop  func() error
		live  func() bool
	}{
		{"security", func() error { d.security.Start(); return nil }, func() error { d.security.Stop(); return nil }, nil},
		{"broker", func() error { d.broker.Start(); return nil }, func() error { d.broker.Stop(); return nil }, nil},
		{"transport", func() error { return d.listener.Start(ctx) }, d.listener.Stop, d.listener.IsRunning},
		{"discovery", func() error { return d.disco.Start(ctx) }, d.disco.Stop, d.disco.IsRunning},
		{"engine", func() error { return d.engine.Start(ctx) }, d.engine.Stop, d.engine.IsRunning},
		{"recovery", d.recovery.Start, d.recovery.Stop, d.recovery.IsRunning},
		{"detector", d.detector.Start, d.detector.Stop, d.detector.IsRunning},
		{"monitor", d.monitor.Start, d.monitor.Stop, d.monitor.IsRunning},
		{"api", d.api.Start, d.api.Stop, d.api.IsRunning},
	}

	for _, step := range steps {
		if err := step.start(); err != nil {
			d.logger.Error().Err(err).Str("subsystem", step.name).Msg("start failed")
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			// A failed boot is fatal: unwind what came up and release
			// the store.
			_ = d.shutdown()
			return fmt.Errorf("start %s: %w", step.name, err)
		}
		d.mu.Lock()
		d.started = append(d.started, component{name: step.name, stop: step.stop, live: step.live})
		d.mu.Unlock()
		d.logger.Debug().Str("subsystem", step.name).Msg("subsystem started")
	}

	d.logger.Info().Msg("all subsystems running")
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled or a subsystem
// dies unexpectedly, then shuts down. A clean signal-driven exit returns
// nil; everything else classifies through ExitCode.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		return d.watch(gctx)
	})

	err := g.Wait()
	if err != nil {
		d.logger.Error().Err(err).Msg("fatal subsystem failure")
	}

	if stopErr := d.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// Stop shuts the daemon down in reverse start order, flushes the clock and
// closes the store. It returns once everything finished or ShutdownTimeout
// elapsed, whichever comes first. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("shutting down")

	done := make(chan error, 1)
	go func() { done <- d.shutdown() }()

	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err := <-done:
		if err != nil {
			d.logger.Error().Err(err).Msg("shutdown finished with errors")
			return err
		}
		d.logger.Info().Msg("shutdown complete")
		return nil
	case <-time.After(timeout):
		d.logger.Error().Dur("timeout", timeout).Msg("shutdown timed out, abandoning stragglers")
		return fmt.Errorf("shutdown timed out after %v", timeout)
	}
}

// shutdown unwinds subsystems, flushes the clock and closes the store.
func (d *Daemon) shutdown() error {
	var errs *multierror.Error
	if err := d.unwind(); err != nil {
		errs = multierror.Append(errs, err)
	}

	// Final clock flush keeps restart watermarks exact even when the last
	// periodic commit raced shutdown.
	vc, lamport := d.clock.Snapshot()
	if err := d.store.SaveClockState(types.ClockState{
		NodeID:       d.self.NodeID,
		VectorClock:  vc,
		LamportClock: lamport,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("flush clock state: %w", err))
	}

	if err := d.store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close store: %w", err))
	}
	return errs.ErrorOrNil()
}

// unwind stops every started subsystem in reverse order, collecting
// errors instead of aborting on the first.
func (d *Daemon) unwind() error {
	d.mu.Lock()
	started := d.started
	d.started = nil
	d.mu.Unlock()

	var errs *multierror.Error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.stop(); err != nil {
			d.logger.Error().Err(err).Str("subsystem", c.name).Msg("stop failed")
			errs = multierror.Append(errs, fmt.Errorf("stop %s: %w", c.name, err))
			continue
		}
		d.logger.Debug().Str("subsystem", c.name).Msg("subsystem stopped")
	}
	return errs.ErrorOrNil()
}

// watch fails fast when a subsystem that should be running has died, so
// the process exits nonzero instead of limping along half-functional.
func (d *Daemon) watch(ctx context.Context) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.mu.Lock()
			running := d.running
			started := append([]component(nil), d.started...)
			d.mu.Unlock()
			if !running {
				return nil
			}
			for _, c := range started {
				if c.live != nil && !c.live() {
					return fmt.Errorf("subsystem %s stopped unexpectedly", c.name)
				}
			}
		}
	}
}

// Self returns the daemon's own node row.
func (d *Daemon) Self() *types.Node {
	return d.self
}

// IsRunning reports whether Start succeeded and Stop has not run yet.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// APIAddr returns the bound address of the local HTTP API, or "" before
// Start.
func (d *Daemon) APIAddr() string {
	if addr := d.api.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}
