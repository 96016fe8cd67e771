package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dukahub/dukasync/pkg/engine"
	"github.com/dukahub/dukasync/pkg/types"
)

// HealthResponse is the GET /health payload. Peers and supervisors poll it;
// the shape is stable across releases.
type HealthResponse struct {
	Status      string            `json:"status"`      // "healthy" or "unhealthy"
	Uptime      float64           `json:"uptime"`      // seconds since the daemon started
	MemoryUsage uint64            `json:"memoryUsage"` // bytes currently allocated on the heap
	SyncService SyncServiceHealth `json:"syncService"`
}

// SyncServiceHealth summarizes the sync engine inside the health payload.
type SyncServiceHealth struct {
	IsRunning         bool      `json:"isRunning"`
	NodeID            string    `json:"nodeId"`
	NodeName          string    `json:"nodeName"`
	PeersConnected    int       `json:"peersConnected"`
	TotalEventsSynced uint64    `json:"totalEventsSynced"`
	LastSyncTime      time.Time `json:"lastSyncTime"`
}

// handleHealth implements GET /health. Healthy means the sync engine is
// running; an idle engine with zero peers is still healthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := s.cfg.Engine.IsRunning()
	totals := s.cfg.Engine.Totals()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:      "healthy",
		Uptime:      s.uptime().Seconds(),
		MemoryUsage: mem.Alloc,
		SyncService: SyncServiceHealth{
			IsRunning:         running,
			NodeID:            s.cfg.Self.NodeID,
			NodeName:          s.cfg.Self.NodeName,
			PeersConnected:    len(s.cfg.Registry.ReachablePeers()),
			TotalEventsSynced: totals.EventsApplied + totals.EventsPushed,
			LastSyncTime:      totals.LastSyncAt,
		},
	}

	code := http.StatusOK
	if !running {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// StatusResponse is the GET /status payload: the full operational picture
// of this node.
type StatusResponse struct {
	Node       NodeStatus               `json:"node"`
	Peers      []engine.PeerStatus      `json:"peers"`
	Totals     engine.Totals            `json:"totals"`
	EventLog   int                      `json:"eventLogSize"`
	Partitions []*types.PartitionRecord `json:"partitions"`
	Recovery   *types.RecoveryStats     `json:"recovery,omitempty"`
	Recoveries []*types.RecoverySession `json:"recoverySessions,omitempty"`
	Components map[string]bool          `json:"components,omitempty"`
}

// NodeStatus identifies this node in the status payload.
type NodeStatus struct {
	NodeID       string             `json:"nodeId"`
	NodeName     string             `json:"nodeName"`
	Endpoint     string             `json:"endpoint"`
	Version      string             `json:"version,omitempty"`
	Capabilities types.Capabilities `json:"capabilities"`
	Uptime       float64            `json:"uptime"`
}

// handleStatus implements GET /status: identity, per-peer sync posture,
// engine totals, unresolved partitions, recovery history and component
// liveness in one document.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Node: NodeStatus{
			NodeID:       s.cfg.Self.NodeID,
			NodeName:     s.cfg.Self.NodeName,
			Endpoint:     s.cfg.Self.Endpoint,
			Version:      s.cfg.Version,
			Capabilities: s.cfg.Self.Capabilities,
			Uptime:       s.uptime().Seconds(),
		},
		Peers:  s.cfg.Engine.PeerStatuses(),
		Totals: s.cfg.Engine.Totals(),
	}

	if n, err := s.cfg.Store.CountEvents(); err == nil {
		resp.EventLog = n
	} else {
		s.logger.Warn().Err(err).Msg("status: counting events failed")
	}

	parts, err := s.cfg.Store.ListPartitions(true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading partitions: "+err.Error())
		return
	}
	if parts == nil {
		parts = []*types.PartitionRecord{}
	}
	resp.Partitions = parts

	if stats, err := s.cfg.Store.GetRecoveryStats(); err == nil && stats.Total > 0 {
		resp.Recovery = stats
	}
	if sessions, err := s.cfg.Store.ListRecoverySessions(); err == nil && len(sessions) > 0 {
		resp.Recoveries = sessions
	}
	if s.cfg.Monitor != nil {
		resp.Components = s.cfg.Monitor.Components()
	}

	writeJSON(w, http.StatusOK, resp)
}
