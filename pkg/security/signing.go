package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dukahub/dukasync/pkg/storage"
)

const signingSeedSecret = "signing_seed"

// Signer holds the node's long-lived ed25519 keypair. The seed lives in the
// local store and never leaves the node; peers learn only the public key
// through node announcements.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// LoadOrCreateSigner restores the signing keypair from the store, creating
// and persisting a fresh seed on first use.
func LoadOrCreateSigner(store storage.Store) (*Signer, error) {
	seed, err := store.GetNodeSecret(signingSeedSecret)
	if errors.Is(err, storage.ErrNotFound) {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate signing seed: %w", err)
		}
		if err := store.SaveNodeSecret(signingSeedSecret, seed); err != nil {
			return nil, fmt.Errorf("persist signing seed: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyHex returns the hex-encoded public key for node records.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// SignEventID signs an event id and returns the hex signature.
func (s *Signer) SignEventID(eventID string) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, []byte(eventID)))
}

// VerifyEventSignature checks a hex signature over an event id against a
// hex-encoded public key. Unknown or malformed keys verify as false.
func VerifyEventSignature(publicKeyHex, eventID, signatureHex string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(eventID), sig)
}
