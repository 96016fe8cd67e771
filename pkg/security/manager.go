package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

// ErrAuthenticationFailed is the only authentication error peers ever see.
// The specific reason goes to the audit log, never to the wire.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrSessionExpired rejects operations on sessions past either deadline.
var ErrSessionExpired = errors.New("session expired")

// Config tunes the security manager. Zero fields get working defaults.
type Config struct {
	RegistrationKey      string
	TokenTTL             time.Duration
	SessionTTL           time.Duration
	SessionHardCap       time.Duration
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	MaxFailedAttempts    int
	SweepInterval        time.Duration
	EnableSignatures     bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TokenTTL <= 0 {
		out.TokenTTL = 5 * time.Minute
	}
	if out.SessionTTL <= 0 {
		out.SessionTTL = 60 * time.Minute
	}
	if out.SessionHardCap <= 0 {
		out.SessionHardCap = 4 * time.Hour
	}
	if out.RateLimitWindow <= 0 {
		out.RateLimitWindow = 60 * time.Second
	}
	if out.RateLimitMaxRequests <= 0 {
		out.RateLimitMaxRequests = 100
	}
	if out.MaxFailedAttempts <= 0 {
		out.MaxFailedAttempts = 3
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 60 * time.Second
	}
	return out
}

// Manager authenticates peers, issues auth tokens, owns sessions and the
// registration key rotation state, rate-limits authentication, and writes
// the security audit log.
type Manager struct {
	store  storage.Store
	nodeID string
	cfg    Config

	tokens  *TokenManager
	limiter *RateLimiter
	signer  *Signer

	mu       sync.RWMutex // guards rotation
	rotation types.KeyRotation

	logger zerolog.Logger
	stopCh chan struct{}
}

// NewManager builds the security manager. A persisted key rotation (from a
// previous runtime rotation) overrides the configured registration key so
// rotations survive restarts.
func NewManager(store storage.Store, nodeID string, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	m := &Manager{
		store:   store,
		nodeID:  nodeID,
		cfg:     cfg,
		tokens:  NewTokenManager(cfg.TokenTTL),
		limiter: NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxRequests, cfg.MaxFailedAttempts),
		logger:  log.WithComponent("security"),
		stopCh:  make(chan struct{}),
	}

	rot, err := store.GetKeyRotation()
	switch {
	case err == nil && rot.CurrentKey != "":
		m.rotation = *rot
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load key rotation state: %w", err)
	default:
		m.rotation = types.KeyRotation{CurrentKey: cfg.RegistrationKey}
	}

	if m.rotation.CurrentKey == "" {
		m.logger.Warn().Msg("no registration key configured; running without cluster authentication")
	}

	if cfg.EnableSignatures {
		signer, err := LoadOrCreateSigner(store)
		if err != nil {
			return nil, fmt.Errorf("initialize signing key: %w", err)
		}
		m.signer = signer
	}

	return m, nil
}

// Start launches the audit/session sweeper.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the sweeper. Live sessions are left to expire naturally.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tokens.CleanupExpired()
			m.limiter.Cleanup(time.Now())
			n, err := m.store.DeleteExpiredSessions(time.Now())
			if err != nil {
				m.logger.Error().Err(err).Msg("session sweep failed")
			} else if n > 0 {
				m.logger.Debug().Int("count", n).Msg("expired sessions removed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// KeyHash computes H(registrationKey ∥ nodeId), the shared-secret proof
// that travels with identities and events.
func KeyHash(key, nodeID string) string {
	sum := sha256.Sum256([]byte(key + nodeID))
	return hex.EncodeToString(sum[:])
}

// keyProof computes H(registrationKey ∥ nodeId ∥ nonce) for the
// challenge-response handshake.
func keyProof(key, nodeID, nonce string) string {
	sum := sha256.Sum256([]byte(key + nodeID + nonce))
	return hex.EncodeToString(sum[:])
}

// NewNonce returns a fresh random nonce for an AUTH_REQUEST.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CurrentKey returns the active registration key.
func (m *Manager) CurrentKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rotation.CurrentKey
}

// Insecure reports whether the node runs without a registration key.
func (m *Manager) Insecure() bool {
	return m.CurrentKey() == ""
}

// OwnKeyHash returns this node's registration key hash.
func (m *Manager) OwnKeyHash() string {
	return KeyHash(m.CurrentKey(), m.nodeID)
}

// PreviousKeyInGrace returns the pre-rotation key while the grace window is
// open, so transports can still verify material from not-yet-rotated peers.
func (m *Manager) PreviousKeyInGrace() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rotation.PreviousKey != "" && time.Now().Before(m.rotation.GraceUntil) {
		return m.rotation.PreviousKey, true
	}
	return "", false
}

// KeyHashFor computes the expected key hash of another node under the
// current key.
func (m *Manager) KeyHashFor(nodeID string) string {
	return KeyHash(m.CurrentKey(), nodeID)
}

// VerifyPeerKeyHash checks a peer-supplied key hash against the current
// key, falling back to the previous key inside the rotation grace window.
func (m *Manager) VerifyPeerKeyHash(peerNodeID, hash string) bool {
	m.mu.RLock()
	rot := m.rotation
	m.mu.RUnlock()

	if KeyHash(rot.CurrentKey, peerNodeID) == hash {
		return true
	}
	if rot.PreviousKey != "" && time.Now().Before(rot.GraceUntil) {
		return KeyHash(rot.PreviousKey, peerNodeID) == hash
	}
	return false
}

// BuildProof produces this node's challenge response for a nonce.
func (m *Manager) BuildProof(nonce string) string {
	return keyProof(m.CurrentKey(), m.nodeID, nonce)
}

// Authenticate is the responder side of the handshake: rate limit, verify
// the key proof, and on success issue a short-lived auth token bound to the
// caller's identity and source address. Every outcome is audited with its
// real reason; the returned error is always opaque.
func (m *Manager) Authenticate(nodeID, nonce, proof, sourceAddr string) (*types.AuthToken, error) {
	now := time.Now()
	allowed, firstBreach := m.limiter.Allow(sourceAddr, now)
	if !allowed {
		if firstBreach {
			m.Audit(types.AuditRateLimited, nodeID, sourceAddr, "authentication rate limit breached")
		}
		return nil, ErrAuthenticationFailed
	}

	if nodeID == "" || nonce == "" {
		m.failAuth(nodeID, sourceAddr, "missing identity or nonce")
		return nil, ErrAuthenticationFailed
	}

	m.mu.RLock()
	rot := m.rotation
	m.mu.RUnlock()

	ok := keyProof(rot.CurrentKey, nodeID, nonce) == proof
	if !ok && rot.PreviousKey != "" && now.Before(rot.GraceUntil) {
		ok = keyProof(rot.PreviousKey, nodeID, nonce) == proof
	}
	if !ok {
		m.failAuth(nodeID, sourceAddr, "key proof mismatch")
		return nil, ErrAuthenticationFailed
	}

	token, err := m.tokens.Generate(nodeID, sourceAddr)
	if err != nil {
		m.failAuth(nodeID, sourceAddr, "token generation failed")
		return nil, ErrAuthenticationFailed
	}

	m.limiter.RecordSuccess(sourceAddr)
	m.Audit(types.AuditAuthSuccess, nodeID, sourceAddr, "")
	return token, nil
}

func (m *Manager) failAuth(nodeID, sourceAddr, reason string) {
	if m.limiter.RecordFailure(sourceAddr, time.Now()) {
		m.Audit(types.AuditRateLimited, nodeID, sourceAddr, "blocked after repeated failures")
	}
	m.Audit(types.AuditAuthFailure, nodeID, sourceAddr, reason)
}

// RecordProtocolFailure audits a failure that happened below the
// authentication layer (frame MAC or payload rejection) and counts it
// against the source's failure budget, so a peer hammering with the wrong
// cluster key gets blocked like one failing proofs.
func (m *Manager) RecordProtocolFailure(sourceAddr, reason string) {
	m.failAuth("", sourceAddr, reason)
}

// SourceBlocked reports whether the rate limiter is refusing a source.
func (m *Manager) SourceBlocked(sourceAddr string) bool {
	return m.limiter.Blocked(sourceAddr, time.Now())
}

// Rotate replaces the registration key. The previous key stays valid for
// proofs and key-hash checks until the grace deadline. One atomic config
// update plus a KEY_ROTATED audit entry.
func (m *Manager) Rotate(newKey string, grace time.Duration) error {
	if newKey == "" {
		return fmt.Errorf("new registration key must not be empty")
	}

	m.mu.Lock()
	next := types.KeyRotation{
		CurrentKey:  newKey,
		PreviousKey: m.rotation.CurrentKey,
		RotatedAt:   time.Now().UTC(),
		GraceUntil:  time.Now().UTC().Add(grace),
	}
	if err := m.store.SaveKeyRotation(&next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist key rotation: %w", err)
	}
	m.rotation = next
	m.mu.Unlock()

	m.Audit(types.AuditKeyRotated, m.nodeID, "", fmt.Sprintf("grace until %s", next.GraceUntil.Format(time.RFC3339)))
	m.logger.Info().Time("grace_until", next.GraceUntil).Msg("registration key rotated")
	return nil
}

// SignEventID signs an event id with the node keypair. Reports false when
// signatures are disabled.
func (m *Manager) SignEventID(eventID string) (string, bool) {
	if m.signer == nil {
		return "", false
	}
	return m.signer.SignEventID(eventID), true
}

// PublicKeyHex exposes the node's signing public key for the node record.
func (m *Manager) PublicKeyHex() string {
	if m.signer == nil {
		return ""
	}
	return m.signer.PublicKeyHex()
}

// Audit appends a security audit entry; failures to persist are logged and
// swallowed so audit writes never break the calling path.
func (m *Manager) Audit(t types.AuditEventType, nodeID, sourceAddr, detail string) {
	entry := &types.AuditEntry{
		ID:         uuid.NewString(),
		Type:       t,
		NodeID:     nodeID,
		SourceAddr: sourceAddr,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.store.AppendAudit(entry); err != nil {
		m.logger.Error().Err(err).Str("audit_type", string(t)).Msg("failed to persist audit entry")
	}
	evt := m.logger.Info()
	if t == types.AuditAuthFailure || t == types.AuditRateLimited || t == types.AuditEventQuarantined {
		evt = m.logger.Warn()
	}
	evt.Str("audit_type", string(t)).Str("node", nodeID).Str("source", sourceAddr).Str("detail", detail).Msg("security audit")
}
