package security

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

const sessionKeyInfo = "dukasync/session/v1"

// KeyAgreement holds one side's ephemeral X25519 keypair for deriving a
// session key. Each session establishment uses a fresh keypair.
type KeyAgreement struct {
	priv *ecdh.PrivateKey
}

// NewKeyAgreement generates an ephemeral X25519 keypair.
func NewKeyAgreement() (*KeyAgreement, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key agreement keypair: %w", err)
	}
	return &KeyAgreement{priv: priv}, nil
}

// PublicBlob returns the public half to send to the peer.
func (ka *KeyAgreement) PublicBlob() []byte {
	return ka.priv.PublicKey().Bytes()
}

// DeriveSessionKey combines our private key with the peer's public blob and
// stretches the shared secret through HKDF-SHA256 into a 32-byte session
// key. The salt is the sorted pair of node ids, so both sides derive the
// same key regardless of who initiated.
func (ka *KeyAgreement) DeriveSessionKey(peerBlob []byte, localNodeID, peerNodeID string) ([]byte, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerBlob)
	if err != nil {
		return nil, fmt.Errorf("invalid key agreement blob: %w", err)
	}
	shared, err := ka.priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	ids := []string{localNodeID, peerNodeID}
	sort.Strings(ids)
	salt := []byte(ids[0] + "|" + ids[1])

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}

// EstablishSession is the responder side of SESSION_OPEN: redeem the auth
// token, run the key agreement, and persist the session. Returns the new
// session and our public blob for the SESSION_OK reply.
func (m *Manager) EstablishSession(token, nodeID, sourceAddr string, peerBlob []byte) (*types.Session, []byte, error) {
	if ok, reason := m.tokens.Consume(token, nodeID, sourceAddr); !ok {
		m.failAuth(nodeID, sourceAddr, reason)
		return nil, nil, ErrAuthenticationFailed
	}

	ka, err := NewKeyAgreement()
	if err != nil {
		m.failAuth(nodeID, sourceAddr, "key agreement generation failed")
		return nil, nil, ErrAuthenticationFailed
	}
	key, err := ka.DeriveSessionKey(peerBlob, m.nodeID, nodeID)
	if err != nil {
		m.failAuth(nodeID, sourceAddr, "key agreement failed")
		return nil, nil, ErrAuthenticationFailed
	}

	session, err := m.saveNewSession(nodeID, key)
	if err != nil {
		m.failAuth(nodeID, sourceAddr, "session persistence failed")
		return nil, nil, ErrAuthenticationFailed
	}

	m.Audit(types.AuditSessionEstablished, nodeID, sourceAddr, fmt.Sprintf("session %s", session.SessionID))
	return session, ka.PublicBlob(), nil
}

// CompleteSession is the initiator side: derive the same key from the
// responder's blob and persist the session under the responder-assigned id.
func (m *Manager) CompleteSession(sessionID, peerNodeID string, ka *KeyAgreement, peerBlob []byte) (*types.Session, error) {
	key, err := ka.DeriveSessionKey(peerBlob, m.nodeID, peerNodeID)
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:     sessionID,
		PeerNodeID:    peerNodeID,
		SymmetricKey:  key,
		EstablishedAt: now,
		ExpiresAt:     now.Add(m.cfg.SessionTTL),
		HardExpiresAt: now.Add(m.cfg.SessionHardCap),
		LastUsedAt:    now,
	}
	if err := m.store.SaveSession(session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.Audit(types.AuditSessionEstablished, peerNodeID, "", fmt.Sprintf("session %s (initiator)", sessionID))
	return session, nil
}

func (m *Manager) saveNewSession(peerNodeID string, key []byte) (*types.Session, error) {
	now := time.Now().UTC()
	session := &types.Session{
		SessionID:     uuid.NewString(),
		PeerNodeID:    peerNodeID,
		SymmetricKey:  key,
		EstablishedAt: now,
		ExpiresAt:     now.Add(m.cfg.SessionTTL),
		HardExpiresAt: now.Add(m.cfg.SessionHardCap),
		LastUsedAt:    now,
	}
	if err := m.store.SaveSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// ValidateSession looks up a session by id, rejects and audits expired or
// revoked ones, and slides the expiry forward on use. The sliding window
// never extends past the hard cap.
func (m *Manager) ValidateSession(sessionID string) (*types.Session, error) {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.Audit(types.AuditAuthFailure, "", "", fmt.Sprintf("unknown session %s", sessionID))
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	now := time.Now().UTC()
	if session.Expired(now) {
		m.Audit(types.AuditSessionExpired, session.PeerNodeID, "", fmt.Sprintf("session %s", sessionID))
		return nil, ErrSessionExpired
	}

	session.LastUsedAt = now
	session.ExpiresAt = now.Add(m.cfg.SessionTTL)
	if session.ExpiresAt.After(session.HardExpiresAt) {
		session.ExpiresAt = session.HardExpiresAt
	}
	if err := m.store.SaveSession(session); err != nil {
		return nil, fmt.Errorf("refresh session %s: %w", sessionID, err)
	}
	return session, nil
}

// SessionFor returns the live session with a peer, or ErrNotFound.
func (m *Manager) SessionFor(peerNodeID string) (*types.Session, error) {
	session, err := m.store.GetSessionByPeer(peerNodeID)
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now().UTC()) {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// RevokeSession marks a session unusable and audits the revocation.
func (m *Manager) RevokeSession(sessionID, reason string) error {
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.Revoked = true
	if err := m.store.SaveSession(session); err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	m.Audit(types.AuditSessionRevoked, session.PeerNodeID, "", reason)
	return nil
}
