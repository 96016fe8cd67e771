package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

// TokenManager issues and redeems the short-lived, single-use auth tokens
// that bridge the challenge-response handshake and session establishment.
// Tokens are bound to the node identity and source address they were issued
// for and are never persisted; a restart invalidates them all, which is
// fine because peers simply re-authenticate.
type TokenManager struct {
	tokens map[string]*issuedToken
	ttl    time.Duration
	mutex  sync.RWMutex
}

type issuedToken struct {
	nodeID     string
	sourceAddr string
	issuedAt   time.Time
	expiresAt  time.Time
}

// NewTokenManager creates a token manager with the given token lifetime.
func NewTokenManager(ttl time.Duration) *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*issuedToken),
		ttl:    ttl,
	}
}

// Generate issues a new 256-bit token bound to nodeID and sourceAddr.
func (tm *TokenManager) Generate(nodeID, sourceAddr string) (*types.AuthToken, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)

	now := time.Now()
	tm.mutex.Lock()
	tm.tokens[token] = &issuedToken{
		nodeID:     nodeID,
		sourceAddr: sourceAddr,
		issuedAt:   now,
		expiresAt:  now.Add(tm.ttl),
	}
	tm.mutex.Unlock()

	return &types.AuthToken{
		Token:      token,
		NodeID:     nodeID,
		SourceAddr: sourceAddr,
		IssuedAt:   now,
		ExpiresAt:  now.Add(tm.ttl),
	}, nil
}

// Consume redeems a token exactly once. It fails when the token is unknown,
// expired, or presented by a different identity or source address than it
// was issued to. The reason string feeds the audit log.
func (tm *TokenManager) Consume(token, nodeID, sourceAddr string) (ok bool, reason string) {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	info, exists := tm.tokens[token]
	if !exists {
		return false, "unknown or already used token"
	}
	delete(tm.tokens, token) // single use, even on failure

	if time.Now().After(info.expiresAt) {
		return false, "expired token"
	}
	if info.nodeID != nodeID {
		return false, "token bound to different node"
	}
	if info.sourceAddr != sourceAddr {
		return false, "token bound to different source address"
	}
	return true, ""
}

// CleanupExpired removes tokens past their expiry and returns the count.
func (tm *TokenManager) CleanupExpired() int {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	now := time.Now()
	removed := 0
	for token, info := range tm.tokens {
		if now.After(info.expiresAt) {
			delete(tm.tokens, token)
			removed++
		}
	}
	return removed
}

// Count returns the number of outstanding tokens.
func (tm *TokenManager) Count() int {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()
	return len(tm.tokens)
}
