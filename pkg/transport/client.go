package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/types"
)

// ClientConfig identifies this node to the peers it dials.
type ClientConfig struct {
	SelfID       string
	SelfName     string
	Capabilities types.Capabilities
	Timeout      time.Duration // per call, default 10s
	MaxFrameSize int
}

// Client is a typed connection to one peer's sync listener. Calls are
// serialized on an internal mutex, so the engine and the partition
// detector can share one client per peer.
type Client struct {
	endpoint string
	security *security.Manager
	cfg      ClientConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	conn     *Conn
	peerID   string
	peerCaps types.Capabilities
}

// NewClient creates a client for one peer endpoint. No connection is made
// until the first call.
func NewClient(endpoint string, sec *security.Manager, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		security: sec,
		cfg:      cfg,
		logger:   log.WithComponent("transport").With().Str("endpoint", endpoint).Logger(),
	}
}

// Endpoint returns the address this client dials.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// IntersectCaps computes the effective capability set of a session: a
// capability takes effect only when both sides advertise it. NodeVersion
// carries the peer's version through for logging.
func IntersectCaps(ours, theirs types.Capabilities) types.Capabilities {
	return types.Capabilities{
		Compression:        ours.Compression && theirs.Compression,
		Encryption:         ours.Encryption && theirs.Encryption,
		VectorClocks:       ours.VectorClocks && theirs.VectorClocks,
		ConflictResolution: ours.ConflictResolution && theirs.ConflictResolution,
		Signatures:         ours.Signatures && theirs.Signatures,
		NodeVersion:        theirs.NodeVersion,
	}
}

func (c *Client) ensureConn(ctx context.Context) (*Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	d := net.Dialer{Timeout: c.cfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	c.conn = newConn(nc, c.security.CurrentKey(), c.cfg.MaxFrameSize, c.cfg.Timeout)
	return c.conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call performs one request/reply exchange. IO errors drop the connection
// so the next call redials; session rejections clear the session so the
// engine re-authenticates.
func (c *Client) call(ctx context.Context, reqType MessageType, req any, wantType MessageType, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(ctx, reqType, req, wantType, out)
}

func (c *Client) callLocked(ctx context.Context, reqType MessageType, req any, wantType MessageType, out any) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	f, body, err := conn.roundTrip(ctx, reqType, req)
	if err != nil {
		c.dropConn()
		return err
	}
	if err := decodeReply(f, body, wantType, out); err != nil {
		var re *RemoteError
		if errors.As(err, &re) && (re.Code == CodeSessionInvalid || re.Code == CodeAuthFailed) {
			c.dropConn()
		}
		return err
	}
	return nil
}

// Authenticate runs the full handshake: challenge-response for a token,
// then the key agreement for a session. On success the connection switches
// to sessioned framing and the session is persisted locally.
func (c *Client) Authenticate(ctx context.Context) (*types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Handshake frames are pre-session.
	if c.conn != nil && c.conn.Session() != nil {
		c.dropConn()
	}

	nonce, err := security.NewNonce()
	if err != nil {
		return nil, err
	}
	authReq := &AuthRequest{
		NodeID:       c.cfg.SelfID,
		NodeName:     c.cfg.SelfName,
		Nonce:        nonce,
		KeyProof:     c.security.BuildProof(nonce),
		Capabilities: c.cfg.Capabilities,
		PublicKey:    c.security.PublicKeyHex(),
	}
	var authResp AuthResponse
	if err := c.callLocked(ctx, MsgAuthRequest, authReq, MsgAuthResponse, &authResp); err != nil {
		return nil, err
	}

	ka, err := security.NewKeyAgreement()
	if err != nil {
		return nil, err
	}
	open := &SessionOpen{
		NodeID:       c.cfg.SelfID,
		Token:        authResp.Token,
		KeyShare:     ka.PublicBlob(),
		Capabilities: c.cfg.Capabilities,
	}
	var ok SessionOK
	if err := c.callLocked(ctx, MsgSessionOpen, open, MsgSessionOK, &ok); err != nil {
		return nil, err
	}

	session, err := c.security.CompleteSession(ok.SessionID, ok.NodeID, ka, ok.KeyShare)
	if err != nil {
		return nil, err
	}

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Secure(session, IntersectCaps(c.cfg.Capabilities, ok.Capabilities)); err != nil {
		return nil, err
	}
	c.peerID = ok.NodeID
	c.peerCaps = ok.Capabilities

	c.logger.Debug().
		Str("peer", ok.NodeID).
		Str("session", session.SessionID).
		Msg("session established")
	return session, nil
}

// Resume adopts a persisted session instead of re-authenticating.
func (c *Client) Resume(ctx context.Context, session *types.Session, peerCaps types.Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Secure(session, IntersectCaps(c.cfg.Capabilities, peerCaps)); err != nil {
		return err
	}
	c.peerID = session.PeerNodeID
	c.peerCaps = peerCaps
	return nil
}

// HasSession reports whether the client is in sessioned framing.
func (c *Client) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Session() != nil
}

// PeerID returns the authenticated peer's node id, empty before any
// handshake.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// PeerCapabilities returns what the peer advertised at handshake.
func (c *Client) PeerCapabilities() types.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCaps
}

// Pull requests events above the given watermark.
func (c *Client) Pull(ctx context.Context, since uint64, limit int) (*EventBatch, error) {
	req := &PullRequest{NodeID: c.cfg.SelfID, SinceLamport: since, Limit: limit}
	var batch EventBatch
	if err := c.call(ctx, MsgPullRequest, req, MsgEventBatch, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// Push sends local events for the peer to apply.
func (c *Client) Push(ctx context.Context, eventList []*types.ChangeEvent) (*ProcessedAck, error) {
	batch := &EventBatch{NodeID: c.cfg.SelfID, Events: eventList}
	var ack ProcessedAck
	if err := c.call(ctx, MsgEventBatch, batch, MsgProcessedAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// AckProcessed reports which pulled events were settled locally.
func (c *Client) AckProcessed(ctx context.Context, eventIDs []string, watermark uint64) (*Ack, error) {
	req := &ProcessedAck{NodeID: c.cfg.SelfID, EventIDs: eventIDs, Watermark: watermark}
	var ack Ack
	if err := c.call(ctx, MsgProcessedAck, req, MsgAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Digest fetches the peer's event-history digest for divergence checks.
func (c *Client) Digest(ctx context.Context, window int) (*DigestResponse, error) {
	req := &DigestRequest{NodeID: c.cfg.SelfID, Window: window}
	var resp DigestResponse
	if err := c.call(ctx, MsgDigestRequest, req, MsgDigestResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestSnapshot asks the peer to stage a full snapshot for download.
func (c *Client) RequestSnapshot(ctx context.Context, reason string) (*SnapshotReady, error) {
	req := &SnapshotRequest{NodeID: c.cfg.SelfID, Reason: reason}
	var ready SnapshotReady
	if err := c.call(ctx, MsgSnapshotRequest, req, MsgSnapshotReady, &ready); err != nil {
		return nil, err
	}
	return &ready, nil
}

// FetchSnapshotChunk downloads one chunk of a staged snapshot.
func (c *Client) FetchSnapshotChunk(ctx context.Context, sessionID string, seq int) (*SnapshotChunk, error) {
	req := &SnapshotChunkRequest{NodeID: c.cfg.SelfID, SessionID: sessionID, Seq: seq}
	var chunk SnapshotChunk
	if err := c.call(ctx, MsgSnapshotChunkRequest, req, MsgSnapshotChunk, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// CompleteSnapshot tells the donor the snapshot was applied (or abandoned).
func (c *Client) CompleteSnapshot(ctx context.Context, sessionID string, success bool, detail string) (*Ack, error) {
	req := &SnapshotComplete{NodeID: c.cfg.SelfID, SessionID: sessionID, Success: success, Detail: detail}
	var ack Ack
	if err := c.call(ctx, MsgSnapshotComplete, req, MsgAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Ping measures round-trip time to the peer.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req := &HealthPing{NodeID: c.cfg.SelfID, SentAt: start.UTC()}
	var pong HealthPong
	if err := c.call(ctx, MsgHealthPing, req, MsgHealthPong, &pong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close drops the connection. The session, if any, stays valid for resume.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
	return nil
}
