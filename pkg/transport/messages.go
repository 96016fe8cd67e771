package transport

import (
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

// Error codes carried by MsgError replies.
const (
	CodeAuthFailed     = "AUTH_FAILED"
	CodeSessionInvalid = "SESSION_INVALID"
	CodeBadRequest     = "BAD_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// AuthRequest opens the challenge-response handshake. The proof is
// H(registrationKey ∥ nodeId ∥ nonce); the key itself never travels.
type AuthRequest struct {
	NodeID       string             `json:"nodeId"`
	NodeName     string             `json:"nodeName"`
	Nonce        string             `json:"nonce"`
	KeyProof     string             `json:"keyProof"`
	Capabilities types.Capabilities `json:"capabilities"`
	PublicKey    string             `json:"publicKey,omitempty"` // hex ed25519, when signing
}

// AuthResponse carries the single-use token on success.
type AuthResponse struct {
	NodeID    string    `json:"nodeId"` // responder
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionOpen redeems an auth token and starts the key agreement.
type SessionOpen struct {
	NodeID       string             `json:"nodeId"`
	Token        string             `json:"token"`
	KeyShare     []byte             `json:"keyShare"` // X25519 public blob
	Capabilities types.Capabilities `json:"capabilities"`
}

// SessionOK completes the key agreement. Frames after this one are
// protected with the derived session key.
type SessionOK struct {
	SessionID     string             `json:"sessionId"`
	NodeID        string             `json:"nodeId"` // responder
	KeyShare      []byte             `json:"keyShare"`
	Capabilities  types.Capabilities `json:"capabilities"`
	ExpiresAt     time.Time          `json:"expiresAt"`
	HardExpiresAt time.Time          `json:"hardExpiresAt"`
}

// PullRequest asks for events above the caller's watermark.
type PullRequest struct {
	NodeID       string `json:"nodeId"`
	SinceLamport uint64 `json:"sinceLamport"`
	Limit        int    `json:"limit"`
}

// EventBatch answers a pull, or pushes outbound events when sent as a
// request. Events are ordered by Lamport clock, priority breaking ties.
type EventBatch struct {
	NodeID  string               `json:"nodeId"`
	Events  []*types.ChangeEvent `json:"events"`
	HasMore bool                 `json:"hasMore"`
}

// ProcessedAck reports which pulled events the caller settled, letting the
// peer mark receipts for retention.
type ProcessedAck struct {
	NodeID    string   `json:"nodeId"`
	EventIDs  []string `json:"eventIds"`
	Watermark uint64   `json:"watermark"`
}

// Ack is the generic positive reply.
type Ack struct {
	NodeID   string `json:"nodeId"`
	Accepted int    `json:"accepted"`
}

// DigestRequest asks for a digest over the peer's recent event window.
type DigestRequest struct {
	NodeID string `json:"nodeId"`
	Window int    `json:"window"`
}

// Digest summarizes a node's recent event history for divergence checks.
// Buckets are SHA-256 sums over event ids split across the window.
type Digest struct {
	Window     int      `json:"window"`
	Count      int      `json:"count"`
	MaxLamport uint64   `json:"maxLamport"`
	Buckets    []string `json:"buckets"`
}

// DigestResponse answers a digest request.
type DigestResponse struct {
	NodeID string `json:"nodeId"`
	Digest Digest `json:"digest"`
}

// SnapshotRequest asks a donor to export its full state.
type SnapshotRequest struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason"`
}

// SnapshotReady announces an export is staged for chunked download.
type SnapshotReady struct {
	SessionID  string `json:"sessionId"`
	DonorID    string `json:"donorId"`
	BytesTotal int64  `json:"bytesTotal"`
	ChunkSize  int    `json:"chunkSize"`
	Tables     int    `json:"tables"`
}

// SnapshotChunkRequest pulls one chunk of a staged snapshot.
type SnapshotChunkRequest struct {
	NodeID    string `json:"nodeId"`
	SessionID string `json:"sessionId"`
	Seq       int    `json:"seq"`
}

// SnapshotChunk carries one chunk; EOF marks the last.
type SnapshotChunk struct {
	SessionID string `json:"sessionId"`
	Seq       int    `json:"seq"`
	Data      []byte `json:"data"`
	EOF       bool   `json:"eof"`
}

// SnapshotComplete tells the donor the joiner applied the snapshot, so the
// staged file can be cleaned up and the recovery session closed.
type SnapshotComplete struct {
	NodeID    string `json:"nodeId"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// HealthPing probes a peer inside an established session.
type HealthPing struct {
	NodeID string    `json:"nodeId"`
	SentAt time.Time `json:"sentAt"`
}

// HealthPong answers a ping.
type HealthPong struct {
	NodeID     string    `json:"nodeId"`
	SentAt     time.Time `json:"sentAt"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ErrorReply is the negative reply for any request.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
