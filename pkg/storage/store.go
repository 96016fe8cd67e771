package storage

import (
	"errors"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

// ErrNotFound is wrapped by lookups that miss.
var ErrNotFound = errors.New("not found")

// RowMutation is one business-table write: an upsert of Data, or a delete
// when Delete is set.
type RowMutation struct {
	Table    string
	RecordID string
	Data     map[string]any
	Delete   bool
}

// RemoteApply bundles everything one remote event settles into a single
// transaction: the business mutation (possibly none for stale or losing
// events), extra rows (a create-create loser materialized under its derived
// id), the local receipt, an optional conflict verdict, and the merged
// clock state.
type RemoteApply struct {
	Event      *types.ChangeEvent
	Mutations  []RowMutation
	Receipt    *types.EventReceipt
	Conflict   *types.ConflictResolution
	ClockState *types.ClockState
}

// QuarantinedEvent preserves a rejected event for forensics.
type QuarantinedEvent struct {
	Event          *types.ChangeEvent `json:"event"`
	Reason         string             `json:"reason"`
	QuarantinedAt  time.Time          `json:"quarantinedAt"`
	SourcePeerID   string             `json:"sourcePeerId"`
	SourceAddrNote string             `json:"sourceAddrNote,omitempty"`
}

// Store is the persistence boundary for the sync daemon: the fixed
// bookkeeping tables plus the replicated business tables, all inside one
// embedded database so multi-part writes commit atomically.
type Store interface {
	// Business tables
	UpsertRow(table, recordID string, data map[string]any) error
	GetRow(table, recordID string) (map[string]any, error)
	DeleteRow(table, recordID string) error
	ListRows(table string) (map[string]map[string]any, error)
	ForEachRow(table string, fn func(recordID string, data map[string]any) error) error
	ListTables() ([]string, error)
	CountRows(table string) (int, error)

	// Nodes (sync_nodes)
	UpsertNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Clock and configuration (sync_configurations)
	SaveClockState(state types.ClockState) error
	GetClockState(nodeID string) (*types.ClockState, error)
	SaveKeyRotation(rot *types.KeyRotation) error
	GetKeyRotation() (*types.KeyRotation, error)
	SaveNodeSecret(name string, value []byte) error
	GetNodeSecret(name string) ([]byte, error)
	SavePeerSyncState(state *types.PeerSyncState) error
	GetPeerSyncState(peerID string) (*types.PeerSyncState, error)
	ListPeerSyncStates() ([]*types.PeerSyncState, error)

	// Event log (sync_events)
	CommitLocalChange(ev *types.ChangeEvent, state types.ClockState) error
	ApplyRemoteChange(plan RemoteApply) error
	GetEvent(eventID string) (*types.ChangeEvent, error)
	EventsSince(sinceLamport uint64, limit int) ([]*types.ChangeEvent, bool, error)
	EventsForRecord(table, recordID string) ([]*types.ChangeEvent, error)
	LatestEvents(n int) ([]*types.ChangeEvent, error)
	CountEvents() (int, error)
	MaxLamport() (uint64, error)
	MarkProcessed(receipt *types.EventReceipt) error
	IsProcessed(eventID, receiverID string) (bool, error)
	ReceiptsForEvent(eventID string) ([]*types.EventReceipt, error)
	QuarantineEvent(q *QuarantinedEvent) error
	IsQuarantined(eventID string) (bool, error)
	ListQuarantined() ([]*QuarantinedEvent, error)
	PruneEvents(ackedBy []string, olderThan time.Time) (int, error)

	// Sessions (sync_sessions)
	SaveSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	GetSessionByPeer(peerID string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	DeleteSession(id string) error
	DeleteExpiredSessions(now time.Time) (int, error)

	// Conflicts (conflict_resolutions)
	SaveConflict(res *types.ConflictResolution) error
	ListConflicts(limit int) ([]*types.ConflictResolution, error)
	CountConflicts() (int, error)

	// Partitions (network_partitions)
	SavePartition(rec *types.PartitionRecord) error
	GetPartition(id string) (*types.PartitionRecord, error)
	ListPartitions(openOnly bool) ([]*types.PartitionRecord, error)

	// Recovery sessions and stats
	SaveRecoverySession(rs *types.RecoverySession) error
	GetRecoverySession(id string) (*types.RecoverySession, error)
	ListRecoverySessions() ([]*types.RecoverySession, error)
	SaveRecoveryStats(stats *types.RecoveryStats) error
	GetRecoveryStats() (*types.RecoveryStats, error)

	// Audit (audit_logs)
	AppendAudit(entry *types.AuditEntry) error
	ListAudit(limit int) ([]*types.AuditEntry, error)

	// Metrics (sync_metrics)
	SaveMetricsSnapshot(snap *types.MetricsSnapshot) error
	LatestMetricsSnapshot() (*types.MetricsSnapshot, error)

	// Utility
	Ping() error
	Path() string
	Close() error
}
