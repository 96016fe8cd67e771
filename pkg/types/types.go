package types

import (
	"fmt"
	"time"
)

// VectorClock maps nodeId to that node's event counter. Entries only ever
// increase; a missing entry is zero.
type VectorClock map[string]uint64

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Get returns the counter for a node, zero if absent.
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc[nodeID]
}

// Merge raises every entry to the pairwise maximum with other.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Max returns the largest counter in the clock, zero when empty.
func (vc VectorClock) Max() uint64 {
	var max uint64
	for _, v := range vc {
		if v > max {
			max = v
		}
	}
	return max
}

// Compare implements the standard vector-clock partial order.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for k := range vc {
		a, b := vc[k], other[k]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}
	for k := range other {
		if _, ok := vc[k]; ok {
			continue
		}
		if other[k] > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	OrderingEqual Ordering = iota
	OrderingBefore
	OrderingAfter
	OrderingConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderingBefore:
		return "BEFORE"
	case OrderingAfter:
		return "AFTER"
	case OrderingConcurrent:
		return "CONCURRENT"
	default:
		return "EQUAL"
	}
}

// Operation is the kind of business-table mutation an event carries.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// DefaultPriority is assigned to events captured without an explicit
// priority. Valid priorities are 0 (lowest) through 9.
const DefaultPriority = 5

// EventMetadata carries advisory context stamped on an event at capture.
// The wall-clock timestamp is informational only; ordering decisions use
// the Lamport and vector clocks.
type EventMetadata struct {
	Timestamp           time.Time `json:"timestamp"`
	NodeVersion         string    `json:"nodeVersion"`
	RegistrationKeyHash string    `json:"registrationKeyHash"`
}

// ChangeEvent is the atomic unit of replication: one business-table
// mutation with its causal stamps. Events are immutable after creation;
// per-receiver processed bookkeeping lives in EventReceipt rows.
type ChangeEvent struct {
	EventID      string         `json:"eventId"`
	SourceNodeID string         `json:"sourceNodeId"`
	TableName    string         `json:"tableName"`
	RecordID     string         `json:"recordId"`
	Operation    Operation      `json:"operation"`
	ChangeData   map[string]any `json:"changeData,omitempty"`
	BeforeData   map[string]any `json:"beforeData,omitempty"`
	VectorClock  VectorClock    `json:"vectorClock"`
	LamportClock uint64         `json:"lamportClock"`
	Checksum     string         `json:"checksum"`
	Priority     int            `json:"priority"`
	Signature    string         `json:"signature,omitempty"`
	Metadata     EventMetadata  `json:"metadata"`
}

// Key identifies the record an event touches.
func (e *ChangeEvent) Key() string {
	return e.TableName + "/" + e.RecordID
}

// EventReceipt marks an event processed by one receiving node.
type EventReceipt struct {
	EventID       string    `json:"eventId"`
	ReceiverID    string    `json:"receiverId"`
	ProcessedAt   time.Time `json:"processedAt"`
	LamportAtPull uint64    `json:"lamportAtPull"`
}

// Capabilities advertises what a node supports. Both sides of a session
// must advertise a capability for it to take effect on the wire.
type Capabilities struct {
	Compression        bool   `json:"compression"`
	Encryption         bool   `json:"encryption"`
	VectorClocks       bool   `json:"vectorClocks"`
	ConflictResolution bool   `json:"conflictResolution"`
	Signatures         bool   `json:"signatures"`
	NodeVersion        string `json:"nodeVersion"`
}

// PeerState is the reachability of a known node.
type PeerState string

const (
	PeerStateUnknown     PeerState = "unknown"
	PeerStateReachable   PeerState = "reachable"
	PeerStateUnreachable PeerState = "unreachable"
	PeerStatePartitioned PeerState = "partitioned"
)

// Node is one row of sync_nodes: a node identity (self or peer) with its
// capabilities and current reachability.
type Node struct {
	NodeID              string       `json:"nodeId"`
	NodeName            string       `json:"nodeName"`
	Endpoint            string       `json:"endpoint"` // host:port of the sync listener
	RegistrationKeyHash string       `json:"registrationKeyHash"`
	Capabilities        Capabilities `json:"capabilities"`
	PublicKey           string       `json:"publicKey,omitempty"` // hex ed25519, when signatures enabled
	State               PeerState    `json:"state"`
	FirstSeenAt         time.Time    `json:"firstSeenAt"`
	LastSeenAt          time.Time    `json:"lastSeenAt"`
	CreatedAt           time.Time    `json:"createdAt"`
}

// Session is an authenticated channel to one peer. SymmetricKey is the
// HKDF-derived per-session key used for payload encryption and frame HMACs.
type Session struct {
	SessionID     string    `json:"sessionId"`
	PeerNodeID    string    `json:"peerNodeId"`
	SymmetricKey  []byte    `json:"symmetricKey"`
	EstablishedAt time.Time `json:"establishedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	HardExpiresAt time.Time `json:"hardExpiresAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	Revoked       bool      `json:"revoked"`
}

// Expired reports whether the session is past its sliding or hard deadline.
func (s *Session) Expired(now time.Time) bool {
	return s.Revoked || now.After(s.ExpiresAt) || now.After(s.HardExpiresAt)
}

// AuthToken is the short-lived credential bridging authentication and
// session establishment. Single use, bound to the requesting identity and
// source address.
type AuthToken struct {
	Token      string    `json:"token"`
	NodeID     string    `json:"nodeId"`
	SourceAddr string    `json:"sourceAddr"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// AuditEventType classifies security audit entries.
type AuditEventType string

const (
	AuditAuthSuccess        AuditEventType = "AUTH_SUCCESS"
	AuditAuthFailure        AuditEventType = "AUTH_FAILURE"
	AuditSessionEstablished AuditEventType = "SESSION_ESTABLISHED"
	AuditSessionRevoked     AuditEventType = "SESSION_REVOKED"
	AuditSessionExpired     AuditEventType = "SESSION_EXPIRED"
	AuditRateLimited        AuditEventType = "RATE_LIMITED"
	AuditKeyRotated         AuditEventType = "KEY_ROTATED"
	AuditEventQuarantined   AuditEventType = "EVENT_QUARANTINED"
	AuditQueueOverflow      AuditEventType = "QUEUE_OVERFLOW"
)

// AuditEntry is one append-only row of the security audit log.
type AuditEntry struct {
	ID         string         `json:"id"`
	Type       AuditEventType `json:"type"`
	NodeID     string         `json:"nodeId,omitempty"` // acting/remote node when known
	SourceAddr string         `json:"sourceAddr,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ConflictType names which shape of concurrent mutation was resolved.
type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "update-update"
	ConflictDeleteUpdate ConflictType = "delete-update"
	ConflictCreateCreate ConflictType = "create-create"
)

// ConflictResolution is one row of conflict_resolutions: the audit trail of
// a deterministic conflict verdict, written identically on every node.
type ConflictResolution struct {
	ID              string       `json:"id"`
	TableName       string       `json:"tableName"`
	RecordID        string       `json:"recordId"`
	Type            ConflictType `json:"type"`
	WinnerEventID   string       `json:"winnerEventId"`
	LoserEventID    string       `json:"loserEventId"`
	WinnerNodeID    string       `json:"winnerNodeId"`
	LoserNodeID     string       `json:"loserNodeId"`
	DerivedRecordID string       `json:"derivedRecordId,omitempty"` // create-create loser placement
	ResolvedAt      time.Time    `json:"resolvedAt"`
}

// PartitionStrategy directs how a detected partition is reconciled.
type PartitionStrategy string

const (
	// PartitionStrategyMerge lets normal sync plus the conflict resolver
	// reconcile divergence once both sides are reachable.
	PartitionStrategyMerge PartitionStrategy = "merge"
	// PartitionStrategySourceWins declares the remote side authoritative.
	PartitionStrategySourceWins PartitionStrategy = "source-wins"
	// PartitionStrategyTargetWins declares the local side authoritative.
	PartitionStrategyTargetWins PartitionStrategy = "target-wins"
	// PartitionStrategyLatestWins picks the side with the higher maximum
	// Lamport clock as authoritative.
	PartitionStrategyLatestWins PartitionStrategy = "latest-wins"
)

// PartitionStatus is the lifecycle state of a partition record.
type PartitionStatus string

const (
	PartitionStatusOpen       PartitionStatus = "open"
	PartitionStatusRecovering PartitionStatus = "recovering"
	PartitionStatusResolved   PartitionStatus = "resolved"
)

// PartitionReason names the signal that opened a partition record.
type PartitionReason string

const (
	PartitionReasonPeerTimeout    PartitionReason = "peer-timeout"
	PartitionReasonSyncLag        PartitionReason = "sync-lag"
	PartitionReasonDigestMismatch PartitionReason = "digest-mismatch"
	PartitionReasonUnresolvable   PartitionReason = "unresolvable-conflict"
)

// PartitionRecord is one row of network_partitions.
type PartitionRecord struct {
	PartitionID string            `json:"partitionId"`
	Peers       []string          `json:"peers"`
	Reason      PartitionReason   `json:"reason"`
	Strategy    PartitionStrategy `json:"strategy"`
	Status      PartitionStatus   `json:"status"`
	DetectedAt  time.Time         `json:"detectedAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
}

// RecoveryPhase is the bulk snapshot protocol state.
type RecoveryPhase string

const (
	RecoveryPhaseRequested    RecoveryPhase = "REQUESTED"
	RecoveryPhaseExporting    RecoveryPhase = "EXPORTING"
	RecoveryPhaseTransferring RecoveryPhase = "TRANSFERRING"
	RecoveryPhaseApplying     RecoveryPhase = "APPLYING"
	RecoveryPhaseComplete     RecoveryPhase = "COMPLETE"
	RecoveryPhaseFailed       RecoveryPhase = "FAILED"
)

// Terminal reports whether the phase ends the recovery session.
func (p RecoveryPhase) Terminal() bool {
	return p == RecoveryPhaseComplete || p == RecoveryPhaseFailed
}

// RecoverySession tracks one bulk snapshot handoff between a joiner and a
// donor peer.
type RecoverySession struct {
	SessionID        string        `json:"sessionId"`
	DonorNodeID      string        `json:"donorNodeId"`
	JoinerNodeID     string        `json:"joinerNodeId"`
	Phase            RecoveryPhase `json:"phase"`
	SnapshotFilename string        `json:"snapshotFilename,omitempty"`
	BytesReceived    int64         `json:"bytesReceived"`
	BytesTotal       int64         `json:"bytesTotal"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	FailureReason    string        `json:"failureReason,omitempty"`
}

// PeerSyncState is the engine's persisted per-peer progress. The pull
// watermark tracks the peer's event stream; the push watermark mirrors how
// far the peer has confirmed settling ours.
type PeerSyncState struct {
	PeerNodeID          string    `json:"peerNodeId"`
	PullWatermark       uint64    `json:"pullWatermark"` // highest Lamport pulled and settled
	PushWatermark       uint64    `json:"pushWatermark"` // highest Lamport the peer acked of our log
	LastSyncAt          time.Time `json:"lastSyncAt"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	EventsPulled        uint64    `json:"eventsPulled"`
	EventsPushed        uint64    `json:"eventsPushed"`
}

// ClockState is the persisted form of the node's clocks, the singleton
// sync_configurations row keyed by nodeId.
type ClockState struct {
	NodeID       string      `json:"nodeId"`
	VectorClock  VectorClock `json:"vectorClock"`
	LamportClock uint64      `json:"lamportClock"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// KeyRotation is the persisted registration-key rotation state. The
// previous key is honored for proofs until GraceUntil.
type KeyRotation struct {
	CurrentKey  string    `json:"currentKey"`
	PreviousKey string    `json:"previousKey,omitempty"`
	RotatedAt   time.Time `json:"rotatedAt"`
	GraceUntil  time.Time `json:"graceUntil"`
}

// MetricsSnapshot is one persisted sync_metrics row, written periodically
// by the health monitor so counters survive restarts.
type MetricsSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	EventsCaptured    uint64    `json:"eventsCaptured"`
	EventsApplied     uint64    `json:"eventsApplied"`
	EventsQuarantined uint64    `json:"eventsQuarantined"`
	ConflictsResolved uint64    `json:"conflictsResolved"`
	SyncCycles        uint64    `json:"syncCycles"`
	PeersReachable    int       `json:"peersReachable"`
	PartitionsOpen    int       `json:"partitionsOpen"`
	RecoveriesTotal   uint64    `json:"recoveriesTotal"`
	RecoveriesFailed  uint64    `json:"recoveriesFailed"`
}

// RecoveryStats aggregates recovery outcomes for the status API.
type RecoveryStats struct {
	Total          uint64           `json:"total"`
	Successful     uint64           `json:"successful"`
	Failed         uint64           `json:"failed"`
	AvgDuration    time.Duration    `json:"avgDuration"`
	SuccessRate    float64          `json:"successRate"`
	FailureReasons map[string]int64 `json:"failureReasons,omitempty"`
}

// String implements fmt.Stringer for log fields.
func (e *ChangeEvent) String() string {
	return fmt.Sprintf("%s %s/%s lamport=%d src=%s", e.Operation, e.TableName, e.RecordID, e.LamportClock, e.SourceNodeID)
}
