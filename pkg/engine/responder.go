package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/transport"
	"github.com/dukahub/dukasync/pkg/types"
)

// maxDigestWindow caps how much history a peer may ask us to hash at once.
const maxDigestWindow = 1024

// HandleAuthRequest answers the challenge-response handshake. On success
// the peer's presented identity material is folded into the node registry.
func (e *Engine) HandleAuthRequest(sourceAddr string, req *transport.AuthRequest) (*transport.AuthResponse, error) {
	token, err := e.security.Authenticate(req.NodeID, req.Nonce, req.KeyProof, sourceAddr)
	if err != nil {
		return nil, err
	}
	e.rememberPeer(req)
	return &transport.AuthResponse{
		NodeID:    e.cfg.SelfID,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// HandleSessionOpen redeems the auth token and completes the key agreement.
// An inbound session is also a liveness hint, so a worker toward the peer
// is started if discovery already knows its endpoint.
func (e *Engine) HandleSessionOpen(sourceAddr string, req *transport.SessionOpen) (*transport.SessionOK, error) {
	sess, blob, err := e.security.EstablishSession(req.Token, req.NodeID, sourceAddr, req.KeyShare)
	if err != nil {
		return nil, err
	}
	e.ensureWorker(req.NodeID)
	return &transport.SessionOK{
		SessionID:     sess.SessionID,
		NodeID:        e.cfg.SelfID,
		KeyShare:      blob,
		Capabilities:  e.cfg.Capabilities,
		ExpiresAt:     sess.ExpiresAt,
		HardExpiresAt: sess.HardExpiresAt,
	}, nil
}

// HandlePull serves a page of our event log above the caller's watermark.
// The caller settles its own events as duplicates, so the page is not
// filtered by origin; filtering would stall the caller's cursor on pages
// made entirely of its own echoes.
func (e *Engine) HandlePull(peer transport.PeerContext, req *transport.PullRequest) (*transport.EventBatch, error) {
	limit := req.Limit
	if limit <= 0 || limit > e.cfg.MaxBatchSize {
		limit = e.cfg.MaxBatchSize
	}
	evs, hasMore, err := e.store.EventsSince(req.SinceLamport, limit)
	if err != nil {
		return nil, fmt.Errorf("scan events since %d: %w", req.SinceLamport, err)
	}
	return &transport.EventBatch{
		NodeID:  e.cfg.SelfID,
		Events:  evs,
		HasMore: hasMore,
	}, nil
}

// HandlePush settles a batch the peer delivered, advancing the same pull
// watermark a pull from that peer would advance. Refused while a snapshot
// import holds the apply path; the pusher retries on its cadence.
func (e *Engine) HandlePush(peer transport.PeerContext, batch *transport.EventBatch) (*transport.ProcessedAck, error) {
	if e.snapshotPause.Load() {
		return nil, transport.ErrUnavailable
	}
	state, err := e.peerState(peer.NodeID)
	if err != nil {
		return nil, err
	}

	res := e.settleBatch(peer.NodeID, batch.Events, state.PullWatermark, false)
	state.PullWatermark = res.watermark
	state.EventsPulled += uint64(res.applied)
	if err := e.store.SavePeerSyncState(state); err != nil {
		return nil, fmt.Errorf("persist sync state: %w", err)
	}

	return &transport.ProcessedAck{
		NodeID:    e.cfg.SelfID,
		EventIDs:  res.settled,
		Watermark: res.watermark,
	}, nil
}

// HandleProcessedAck records which of our events the peer settled after
// pulling them. Receipts feed retention; the peer's watermark is mirrored
// so our next push resumes where its pulls left off.
func (e *Engine) HandleProcessedAck(peer transport.PeerContext, ack *transport.ProcessedAck) (*transport.Ack, error) {
	now := time.Now().UTC()
	for _, id := range ack.EventIDs {
		receipt := &types.EventReceipt{
			EventID:       id,
			ReceiverID:    peer.NodeID,
			ProcessedAt:   now,
			LamportAtPull: ack.Watermark,
		}
		if err := e.store.MarkProcessed(receipt); err != nil {
			return nil, fmt.Errorf("record receipt: %w", err)
		}
	}

	state, err := e.peerState(peer.NodeID)
	if err != nil {
		return nil, err
	}
	if ack.Watermark > state.PushWatermark {
		state.PushWatermark = ack.Watermark
		if err := e.store.SavePeerSyncState(state); err != nil {
			return nil, fmt.Errorf("persist sync state: %w", err)
		}
	}

	return &transport.Ack{NodeID: e.cfg.SelfID, Accepted: len(ack.EventIDs)}, nil
}

// HandleDigest hashes our recent event window so the peer can check for
// divergence. The window is the caller's choice, clamped; the reply carries
// the window actually used so the caller can tell a clamped digest apart.
func (e *Engine) HandleDigest(peer transport.PeerContext, req *transport.DigestRequest) (*transport.DigestResponse, error) {
	window := req.Window
	if window <= 0 {
		window = transport.DigestBuckets * 16
	}
	if window > maxDigestWindow {
		window = maxDigestWindow
	}
	evs, err := e.store.LatestEvents(window)
	if err != nil {
		return nil, fmt.Errorf("scan latest events: %w", err)
	}
	return &transport.DigestResponse{
		NodeID: e.cfg.SelfID,
		Digest: transport.BuildDigest(evs, window),
	}, nil
}

// HandleSnapshotRequest stages a full-state export for the peer.
func (e *Engine) HandleSnapshotRequest(peer transport.PeerContext, req *transport.SnapshotRequest) (*transport.SnapshotReady, error) {
	donor := e.donor
	if donor == nil {
		return nil, transport.ErrUnavailable
	}
	ready, err := donor.StageSnapshot(peer.NodeID, req.Reason)
	if err != nil {
		return nil, fmt.Errorf("stage snapshot for %s: %w", peer.NodeID, err)
	}
	return ready, nil
}

// HandleSnapshotChunk serves one chunk of a staged export.
func (e *Engine) HandleSnapshotChunk(peer transport.PeerContext, req *transport.SnapshotChunkRequest) (*transport.SnapshotChunk, error) {
	donor := e.donor
	if donor == nil {
		return nil, transport.ErrUnavailable
	}
	chunk, err := donor.SnapshotChunk(peer.NodeID, req.SessionID, req.Seq)
	if err != nil {
		return nil, fmt.Errorf("read snapshot chunk %d: %w", req.Seq, err)
	}
	return chunk, nil
}

// HandleSnapshotComplete closes a staged export after the peer reported the
// outcome of applying it.
func (e *Engine) HandleSnapshotComplete(peer transport.PeerContext, req *transport.SnapshotComplete) (*transport.Ack, error) {
	donor := e.donor
	if donor == nil {
		return nil, transport.ErrUnavailable
	}
	if err := donor.CloseSnapshot(peer.NodeID, req.SessionID, req.Success, req.Detail); err != nil {
		return nil, fmt.Errorf("close snapshot %s: %w", req.SessionID, err)
	}
	return &transport.Ack{NodeID: e.cfg.SelfID, Accepted: 1}, nil
}

// rememberPeer refreshes the persisted node row with identity material the
// peer presented in an authenticated handshake. Endpoint ownership stays
// with discovery; an inbound source address is not the peer's listener.
func (e *Engine) rememberPeer(req *transport.AuthRequest) {
	now := time.Now().UTC()
	node, err := e.store.GetNode(req.NodeID)
	if errors.Is(err, storage.ErrNotFound) {
		node = &types.Node{
			NodeID:      req.NodeID,
			State:       types.PeerStateUnknown,
			FirstSeenAt: now,
			CreatedAt:   now,
		}
	} else if err != nil {
		e.logger.Warn().Err(err).Str("peer", req.NodeID).Msg("node lookup failed")
		return
	}

	node.NodeName = req.NodeName
	node.Capabilities = req.Capabilities
	if req.PublicKey != "" {
		node.PublicKey = req.PublicKey
	}
	node.LastSeenAt = now
	if err := e.store.UpsertNode(node); err != nil {
		e.logger.Warn().Err(err).Str("peer", req.NodeID).Msg("node upsert failed")
	}
}
