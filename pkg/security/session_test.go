package security

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dukahub/dukasync/pkg/types"
)

func TestKeyAgreementBothSidesDeriveSameKey(t *testing.T) {
	kaA, err := NewKeyAgreement()
	if err != nil {
		t.Fatal(err)
	}
	kaB, err := NewKeyAgreement()
	if err != nil {
		t.Fatal(err)
	}

	// Note the swapped local/peer ids: the sorted salt must make the
	// derivation symmetric.
	keyA, err := kaA.DeriveSessionKey(kaB.PublicBlob(), "n1", "n2")
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	keyB, err := kaB.DeriveSessionKey(kaA.PublicBlob(), "n2", "n1")
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}

	if !bytes.Equal(keyA, keyB) {
		t.Error("the two sides derived different session keys")
	}
	if len(keyA) != 32 {
		t.Errorf("session key length = %d, want 32", len(keyA))
	}
}

func TestDeriveSessionKeyRejectsGarbageBlob(t *testing.T) {
	ka, _ := NewKeyAgreement()
	if _, err := ka.DeriveSessionKey([]byte("not a public key"), "n1", "n2"); err == nil {
		t.Error("garbage key agreement blob accepted")
	}
}

func TestSessionEstablishmentRoundtrip(t *testing.T) {
	responder, _ := newTestManager(t, "n1")
	initiatorStore := newTestStore(t)
	initiator, err := NewManager(initiatorStore, "n2", Config{RegistrationKey: "duka-secret"})
	if err != nil {
		t.Fatal(err)
	}

	// Handshake: n2 proves key possession to n1.
	nonce, _ := NewNonce()
	token, err := responder.Authenticate("n2", nonce, initiator.BuildProof(nonce), "192.168.1.20:51000")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	// Session open: n2 sends its blob, n1 answers with its own.
	ka, err := NewKeyAgreement()
	if err != nil {
		t.Fatal(err)
	}
	respSession, respBlob, err := responder.EstablishSession(token.Token, "n2", "192.168.1.20:51000", ka.PublicBlob())
	if err != nil {
		t.Fatalf("EstablishSession() error = %v", err)
	}
	initSession, err := initiator.CompleteSession(respSession.SessionID, "n1", ka, respBlob)
	if err != nil {
		t.Fatalf("CompleteSession() error = %v", err)
	}

	if !bytes.Equal(respSession.SymmetricKey, initSession.SymmetricKey) {
		t.Error("initiator and responder hold different session keys")
	}
	if respSession.SessionID != initSession.SessionID {
		t.Error("session ids differ")
	}

	// The token was consumed; replaying it must fail.
	if _, _, err := responder.EstablishSession(token.Token, "n2", "192.168.1.20:51000", ka.PublicBlob()); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("replayed token error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestEstablishSessionRejectsForeignAddress(t *testing.T) {
	responder, _ := newTestManager(t, "n1")

	nonce, _ := NewNonce()
	token, err := responder.Authenticate("n2", nonce, keyProof("duka-secret", "n2", nonce), "192.168.1.20:51000")
	if err != nil {
		t.Fatal(err)
	}

	ka, _ := NewKeyAgreement()
	_, _, err = responder.EstablishSession(token.Token, "n2", "10.9.9.9:1234", ka.PublicBlob())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("token accepted from a different address: %v", err)
	}
}

func TestValidateSessionSlidesExpiry(t *testing.T) {
	mgr, store := newTestManager(t, "n1")

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:     "s1",
		PeerNodeID:    "n2",
		SymmetricKey:  make([]byte, 32),
		EstablishedAt: now.Add(-10 * time.Minute),
		ExpiresAt:     now.Add(5 * time.Minute),
		HardExpiresAt: now.Add(3 * time.Hour),
		LastUsedAt:    now.Add(-10 * time.Minute),
	}
	if err := store.SaveSession(session); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.ValidateSession("s1")
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if !got.ExpiresAt.After(session.ExpiresAt) {
		t.Errorf("expiry did not slide: %v -> %v", session.ExpiresAt, got.ExpiresAt)
	}
	if got.ExpiresAt.After(got.HardExpiresAt) {
		t.Error("sliding expiry passed the hard cap")
	}
}

func TestValidateSessionClampsToHardCap(t *testing.T) {
	mgr, store := newTestManager(t, "n1")

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:     "s1",
		PeerNodeID:    "n2",
		SymmetricKey:  make([]byte, 32),
		EstablishedAt: now.Add(-4 * time.Hour),
		ExpiresAt:     now.Add(10 * time.Minute),
		HardExpiresAt: now.Add(20 * time.Minute),
	}
	if err := store.SaveSession(session); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.ValidateSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.ExpiresAt.Equal(session.HardExpiresAt) {
		t.Errorf("ExpiresAt = %v, want clamped to hard cap %v", got.ExpiresAt, session.HardExpiresAt)
	}
}

func TestExpiredSessionRejectedAndAudited(t *testing.T) {
	mgr, store := newTestManager(t, "n1")

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:     "stale",
		PeerNodeID:    "n2",
		SymmetricKey:  make([]byte, 32),
		EstablishedAt: now.Add(-2 * time.Hour),
		ExpiresAt:     now.Add(-time.Hour),
		HardExpiresAt: now.Add(2 * time.Hour),
	}
	if err := store.SaveSession(session); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.ValidateSession("stale"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("ValidateSession() error = %v, want ErrSessionExpired", err)
	}
	if !hasAudit(auditTypes(t, store), types.AuditSessionExpired) {
		t.Error("no SESSION_EXPIRED audit entry")
	}
}

func TestUnknownSessionIsOpaque(t *testing.T) {
	mgr, _ := newTestManager(t, "n1")
	if _, err := mgr.ValidateSession("never-existed"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("ValidateSession() error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestRevokeSession(t *testing.T) {
	mgr, store := newTestManager(t, "n1")

	now := time.Now().UTC()
	session := &types.Session{
		SessionID:     "s1",
		PeerNodeID:    "n2",
		SymmetricKey:  make([]byte, 32),
		EstablishedAt: now,
		ExpiresAt:     now.Add(time.Hour),
		HardExpiresAt: now.Add(4 * time.Hour),
	}
	if err := store.SaveSession(session); err != nil {
		t.Fatal(err)
	}

	if err := mgr.RevokeSession("s1", "operator request"); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}
	if _, err := mgr.ValidateSession("s1"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("revoked session still valid: %v", err)
	}
	if !hasAudit(auditTypes(t, store), types.AuditSessionRevoked) {
		t.Error("no SESSION_REVOKED audit entry")
	}
}
