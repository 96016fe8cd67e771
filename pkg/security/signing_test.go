package security

import (
	"testing"
)

func TestSignerPersistsAcrossRestarts(t *testing.T) {
	store := newTestStore(t)

	s1, err := LoadOrCreateSigner(store)
	if err != nil {
		t.Fatalf("LoadOrCreateSigner() error = %v", err)
	}
	s2, err := LoadOrCreateSigner(store)
	if err != nil {
		t.Fatal(err)
	}
	if s1.PublicKeyHex() != s2.PublicKeyHex() {
		t.Error("signer regenerated instead of restored")
	}
}

func TestSignAndVerifyEventID(t *testing.T) {
	store := newTestStore(t)
	signer, err := LoadOrCreateSigner(store)
	if err != nil {
		t.Fatal(err)
	}

	sig := signer.SignEventID("event-123")
	if !VerifyEventSignature(signer.PublicKeyHex(), "event-123", sig) {
		t.Error("valid signature rejected")
	}
	if VerifyEventSignature(signer.PublicKeyHex(), "event-456", sig) {
		t.Error("signature accepted for a different event id")
	}
}

func TestVerifyEventSignatureRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	signer, _ := LoadOrCreateSigner(store)
	sig := signer.SignEventID("event-123")

	other, _ := LoadOrCreateSigner(newTestStore(t))

	tests := []struct {
		name string
		pub  string
		sig  string
	}{
		{name: "wrong key", pub: other.PublicKeyHex(), sig: sig},
		{name: "garbage key", pub: "zz-not-hex", sig: sig},
		{name: "short key", pub: "abcd", sig: sig},
		{name: "garbage signature", pub: signer.PublicKeyHex(), sig: "zz-not-hex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyEventSignature(tt.pub, "event-123", tt.sig) {
				t.Error("VerifyEventSignature() = true, want false")
			}
		})
	}
}

func TestManagerSigningDisabledByDefault(t *testing.T) {
	mgr, _ := newTestManager(t, "n1")
	if _, ok := mgr.SignEventID("e1"); ok {
		t.Error("signatures enabled without configuration")
	}
	if mgr.PublicKeyHex() != "" {
		t.Error("public key exposed without a signer")
	}
}

func TestManagerSigningEnabled(t *testing.T) {
	store := newTestStore(t)
	mgr, err := NewManager(store, "n1", Config{RegistrationKey: "k", EnableSignatures: true})
	if err != nil {
		t.Fatal(err)
	}

	sig, ok := mgr.SignEventID("e1")
	if !ok || sig == "" {
		t.Fatal("SignEventID() produced nothing with signatures enabled")
	}
	if !VerifyEventSignature(mgr.PublicKeyHex(), "e1", sig) {
		t.Error("manager signature does not verify")
	}
}
