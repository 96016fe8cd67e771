package security

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "sec.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestManager(t *testing.T, nodeID string) (*Manager, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	mgr, err := NewManager(store, nodeID, Config{RegistrationKey: "duka-secret"})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr, store
}

func auditTypes(t *testing.T, store storage.Store) []types.AuditEventType {
	t.Helper()
	entries, err := store.ListAudit(50)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	out := make([]types.AuditEventType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

func hasAudit(ts []types.AuditEventType, want types.AuditEventType) bool {
	for _, tt := range ts {
		if tt == want {
			return true
		}
	}
	return false
}

func TestAuthenticateHappyPath(t *testing.T) {
	mgr, store := newTestManager(t, "n1")

	nonce, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	proof := keyProof("duka-secret", "n2", nonce)

	token, err := mgr.Authenticate("n2", nonce, proof, "192.168.1.20:51000")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token.NodeID != "n2" || token.SourceAddr != "192.168.1.20:51000" {
		t.Errorf("token binding = %s/%s", token.NodeID, token.SourceAddr)
	}
	if !token.ExpiresAt.After(time.Now()) {
		t.Error("token already expired")
	}

	if !hasAudit(auditTypes(t, store), types.AuditAuthSuccess) {
		t.Error("no AUTH_SUCCESS audit entry")
	}
}

func TestAuthenticateWrongProofIsOpaque(t *testing.T) {
	mgr, store := newTestManager(t, "n1")

	nonce, _ := NewNonce()
	_, err := mgr.Authenticate("n2", nonce, "bogus-proof", "192.168.1.20:51000")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthenticationFailed", err)
	}
	if err.Error() != "authentication failed" {
		t.Errorf("external error leaks detail: %q", err.Error())
	}

	if !hasAudit(auditTypes(t, store), types.AuditAuthFailure) {
		t.Error("no AUTH_FAILURE audit entry")
	}
}

func TestAuthenticateMissingIdentity(t *testing.T) {
	mgr, _ := newTestManager(t, "n1")

	nonce, _ := NewNonce()
	if _, err := mgr.Authenticate("", nonce, "proof", "addr:1"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("empty node id accepted: %v", err)
	}
	if _, err := mgr.Authenticate("n2", "", "proof", "addr:1"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("empty nonce accepted: %v", err)
	}
}

func TestAuthenticateBlockedAfterRepeatedFailures(t *testing.T) {
	mgr, store := newTestManager(t, "n1")
	addr := "10.0.0.66:40000"

	for i := 0; i < 3; i++ {
		nonce, _ := NewNonce()
		if _, err := mgr.Authenticate("n2", nonce, "wrong", addr); err == nil {
			t.Fatal("bad proof accepted")
		}
	}

	// Even a valid proof is refused while the source is blocked.
	nonce, _ := NewNonce()
	proof := keyProof("duka-secret", "n2", nonce)
	if _, err := mgr.Authenticate("n2", nonce, proof, addr); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("blocked source got through: %v", err)
	}

	if !hasAudit(auditTypes(t, store), types.AuditRateLimited) {
		t.Error("no RATE_LIMITED audit entry")
	}
}

func TestRotationKeepsOldProofsDuringGrace(t *testing.T) {
	mgr, store := newTestManager(t, "n1")

	if err := mgr.Rotate("duka-secret-v2", time.Hour); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	// Old-key proof still passes inside the grace window.
	nonce, _ := NewNonce()
	oldProof := keyProof("duka-secret", "n2", nonce)
	if _, err := mgr.Authenticate("n2", nonce, oldProof, "a:1"); err != nil {
		t.Errorf("old key rejected during grace: %v", err)
	}

	// New-key proof works too.
	nonce2, _ := NewNonce()
	newProof := keyProof("duka-secret-v2", "n3", nonce2)
	if _, err := mgr.Authenticate("n3", nonce2, newProof, "b:1"); err != nil {
		t.Errorf("new key rejected: %v", err)
	}

	if !hasAudit(auditTypes(t, store), types.AuditKeyRotated) {
		t.Error("no KEY_ROTATED audit entry")
	}
}

func TestRotationExpiredGraceRejectsOldKey(t *testing.T) {
	mgr, _ := newTestManager(t, "n1")

	if err := mgr.Rotate("duka-secret-v2", -time.Second); err != nil {
		t.Fatal(err)
	}

	nonce, _ := NewNonce()
	oldProof := keyProof("duka-secret", "n2", nonce)
	if _, err := mgr.Authenticate("n2", nonce, oldProof, "a:1"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("old key accepted after grace: %v", err)
	}
}

func TestRotationSurvivesRestart(t *testing.T) {
	store := newTestStore(t)
	mgr, err := NewManager(store, "n1", Config{RegistrationKey: "boot-key"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Rotate("rotated-key", time.Hour); err != nil {
		t.Fatal(err)
	}

	// A new manager over the same store must pick up the rotated key, not
	// the configured boot key.
	mgr2, err := NewManager(store, "n1", Config{RegistrationKey: "boot-key"})
	if err != nil {
		t.Fatal(err)
	}
	if got := mgr2.CurrentKey(); got != "rotated-key" {
		t.Errorf("CurrentKey() after restart = %q, want rotated-key", got)
	}
}

func TestVerifyPeerKeyHash(t *testing.T) {
	mgr, _ := newTestManager(t, "n1")

	if !mgr.VerifyPeerKeyHash("n2", KeyHash("duka-secret", "n2")) {
		t.Error("matching key hash rejected")
	}
	if mgr.VerifyPeerKeyHash("n2", KeyHash("other-key", "n2")) {
		t.Error("foreign key hash accepted")
	}
	if mgr.VerifyPeerKeyHash("n2", "not-a-hash") {
		t.Error("garbage hash accepted")
	}

	if err := mgr.Rotate("duka-secret-v2", time.Hour); err != nil {
		t.Fatal(err)
	}
	if !mgr.VerifyPeerKeyHash("n2", KeyHash("duka-secret", "n2")) {
		t.Error("previous key hash rejected during grace")
	}
}

func TestKeyHashDiffersPerNode(t *testing.T) {
	if KeyHash("k", "n1") == KeyHash("k", "n2") {
		t.Error("key hash must bind the node id")
	}
	if len(KeyHash("k", "n1")) != 64 {
		t.Errorf("key hash length = %d, want 64 hex chars", len(KeyHash("k", "n1")))
	}
}

func TestInsecureModeWithoutKey(t *testing.T) {
	store := newTestStore(t)
	mgr, err := NewManager(store, "n1", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !mgr.Insecure() {
		t.Error("Insecure() = false with empty key")
	}

	// Peers that also run keyless still authenticate: both sides hash the
	// empty key.
	nonce, _ := NewNonce()
	proof := keyProof("", "n2", nonce)
	if _, err := mgr.Authenticate("n2", nonce, proof, "a:1"); err != nil {
		t.Errorf("keyless handshake failed: %v", err)
	}
}
