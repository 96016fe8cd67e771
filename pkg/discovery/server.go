package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/config"
	"github.com/dukahub/dukasync/pkg/events"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

const (
	// DefaultAnnounceInterval is how often the node advertises itself.
	DefaultAnnounceInterval = 10 * time.Second

	// DefaultUnreachableThreshold is how many announce intervals a peer may
	// miss before it is declared UNREACHABLE.
	DefaultUnreachableThreshold = 6
)

// Config holds discovery configuration.
type Config struct {
	NodeID               string
	NodeName             string
	Mode                 config.DiscoveryMode
	Port                 int           // UDP port announcements travel on
	SyncPort             int           // TCP port advertised in announcements
	AdvertiseAddr        string        // optional fixed advertise host
	AnnounceInterval     time.Duration // default 10s
	UnreachableThreshold int           // default 6 missed intervals
	Capabilities         types.Capabilities
}

// Server advertises this node over UDP and maintains the peer inventory
// from announcements it hears back.
type Server struct {
	store    storage.Store
	security *security.Manager
	broker   *events.Broker
	registry *Registry
	cfg      *Config
	endpoint string // host:port this node advertises for sync traffic
	logger   zerolog.Logger

	conn     *net.UDPConn // listen socket
	sendConn *net.UDPConn // announce socket
	dest     *net.UDPAddr

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates a discovery server.
func NewServer(store storage.Store, sec *security.Manager, broker *events.Broker, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Mode == "" {
		cfg.Mode = config.DiscoveryMulticast
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.UnreachableThreshold < 1 {
		cfg.UnreachableThreshold = DefaultUnreachableThreshold
	}

	return &Server{
		store:    store,
		security: sec,
		broker:   broker,
		registry: NewRegistry(cfg.NodeID, cfg.AnnounceInterval, cfg.UnreachableThreshold),
		cfg:      cfg,
		logger:   log.WithComponent("discovery"),
	}
}

// Registry exposes the peer inventory to the sync engine and the partition
// detector.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Endpoint returns the host:port this node advertises, empty before Start.
func (s *Server) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Start binds the UDP channel, seeds the inventory from persisted peers,
// and launches the announce, listen and sweep loops.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("discovery server already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.endpoint = net.JoinHostPort(AdvertiseAddress(s.cfg.AdvertiseAddr), strconv.Itoa(s.cfg.SyncPort))
	s.mu.Unlock()

	s.logger.Info().
		Str("mode", string(s.cfg.Mode)).
		Int("port", s.cfg.Port).
		Str("endpoint", s.endpoint).
		Dur("interval", s.cfg.AnnounceInterval).
		Msg("starting discovery")

	if err := s.bind(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.seedFromStore()

	s.wg.Add(3)
	go s.readLoop()
	go s.announceLoop()
	go s.sweepLoop()

	s.logger.Info().Msg("discovery started")
	return nil
}

// Stop shuts the discovery server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.sendConn != nil {
		_ = s.sendConn.Close()
	}
	s.wg.Wait()

	s.logger.Info().Msg("discovery stopped")
	return nil
}

// IsRunning returns true if the discovery server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) bind() error {
	switch s.cfg.Mode {
	case config.DiscoveryBroadcast:
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
		if err != nil {
			return fmt.Errorf("failed to bind broadcast listener: %w", err)
		}
		s.conn = conn
		s.dest = &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.Port}
	default:
		group := net.ParseIP(config.MulticastGroup)
		conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: group, Port: s.cfg.Port})
		if err != nil {
			return fmt.Errorf("failed to join multicast group: %w", err)
		}
		s.conn = conn
		s.dest = &net.UDPAddr{IP: group, Port: s.cfg.Port}
	}

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("failed to open announce socket: %w", err)
	}
	s.sendConn = sendConn
	return nil
}

// seedFromStore loads peers persisted by earlier runs. They start UNKNOWN
// and become REACHABLE only once they announce again.
func (s *Server) seedFromStore() {
	nodes, err := s.store.ListNodes()
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not load persisted peers")
		return
	}
	for _, node := range nodes {
		if node.NodeID == s.cfg.NodeID {
			continue
		}
		s.registry.Seed(node)
	}
	if len(nodes) > 0 {
		s.logger.Debug().Int("peers", s.registry.Count()).Msg("seeded peer inventory")
	}
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Debug().Err(err).Msg("announcement read error")
			continue
		}
		s.handleDatagram(buf[:n], src)
	}
}

// handleDatagram folds one received announcement into the peer inventory.
func (s *Server) handleDatagram(data []byte, src *net.UDPAddr) {
	ann, err := DecodeAnnouncement(data)
	if err != nil {
		s.logger.Debug().Err(err).Stringer("src", src).Msg("discarding malformed announcement")
		return
	}

	// Our own announcements loop back on multicast.
	if ann.NodeID == s.cfg.NodeID {
		return
	}

	if !s.security.VerifyPeerKeyHash(ann.NodeID, ann.RegistrationKeyHash) {
		s.logger.Warn().
			Str("peer", ann.NodeID).
			Str("peer_name", ann.NodeName).
			Stringer("src", src).
			Msg("dropping announcement with mismatched registration key hash")
		return
	}

	node, transition := s.registry.Observe(ann, time.Now())

	if err := s.store.UpsertNode(node); err != nil {
		s.logger.Error().Err(err).Str("peer", node.NodeID).Msg("failed to persist peer record")
	}

	switch transition {
	case TransitionDiscovered:
		s.logger.Info().
			Str("peer", node.NodeID).
			Str("peer_name", node.NodeName).
			Str("endpoint", node.Endpoint).
			Msg("discovered peer")
		s.publish(events.EventPeerDiscovered, node)
	case TransitionReachable:
		s.logger.Info().
			Str("peer", node.NodeID).
			Str("endpoint", node.Endpoint).
			Msg("peer reachable again")
		s.publish(events.EventPeerReachable, node)
	}
}

func (s *Server) announceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	s.announce()
	for {
		select {
		case <-ticker.C:
			s.announce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) announce() {
	ann := &Announcement{
		NodeID:              s.cfg.NodeID,
		NodeName:            s.cfg.NodeName,
		Endpoint:            s.Endpoint(),
		Capabilities:        s.cfg.Capabilities,
		RegistrationKeyHash: s.security.OwnKeyHash(),
		AnnouncedAt:         time.Now().UTC(),
	}
	data, err := EncodeAnnouncement(ann)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode announcement")
		return
	}
	if _, err := s.sendConn.WriteToUDP(data, s.dest); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		s.logger.Debug().Err(err).Msg("announcement send failed")
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) sweep() {
	for _, node := range s.registry.Sweep(time.Now()) {
		s.logger.Warn().
			Str("peer", node.NodeID).
			Str("peer_name", node.NodeName).
			Time("last_seen", node.LastSeenAt).
			Msg("peer unreachable")
		if err := s.store.UpsertNode(node); err != nil {
			s.logger.Error().Err(err).Str("peer", node.NodeID).Msg("failed to persist peer record")
		}
		s.publish(events.EventPeerUnreachable, node)
	}
}

func (s *Server) publish(t events.EventType, node *types.Node) {
	s.broker.Publish(&events.Event{
		Type:    t,
		NodeID:  node.NodeID,
		Message: fmt.Sprintf("peer %s is %s", node.NodeName, node.State),
		Metadata: map[string]string{
			"endpoint": node.Endpoint,
			"state":    string(node.State),
		},
	})
}
