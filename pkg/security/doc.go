/*
Package security implements authentication, session management, and payload
protection for DukaSync peers.

Every peer relationship passes through the same funnel: a challenge-response
handshake proves possession of the shared registration key, a short-lived
single-use token bridges the handshake to session establishment, and an
X25519 key agreement produces the symmetric key that encrypts and
authenticates all further traffic. Failed attempts are rate limited per
source address and every security-relevant outcome lands in the audit log.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                      Security Manager                        │
	└───┬──────────────┬───────────────┬──────────────┬────────────┘
	    │              │               │              │
	    ▼              ▼               ▼              ▼
	┌─────────┐  ┌───────────┐  ┌────────────┐  ┌──────────┐
	│ Tokens  │  │ Sessions  │  │ Rate Limit │  │  Audit   │
	│ (memory)│  │ (bbolt)   │  │ (memory)   │  │ (bbolt)  │
	└─────────┘  └───────────┘  └────────────┘  └──────────┘
	  256-bit      X25519+HKDF     fixed window    append-only
	  single use   AES-256-GCM    per source      opaque outside

## Handshake

Authentication is challenge-response over the shared registration key. The
initiator picks a random nonce and proves key possession without sending
the key:

	keyProof = SHA-256(registrationKey ∥ nodeId ∥ nonce)

The responder recomputes the proof with its own copy of the key. During a
key rotation grace window the previous key is also tried, so a fleet can be
rotated node by node without a flag day.

On success the responder issues an auth token: 32 random bytes, valid for
five minutes, redeemable exactly once, and bound to both the node identity
and the source address it was issued to. Presenting a token from a
different address or identity consumes it and fails.

## Sessions

SESSION_OPEN exchanges X25519 public blobs. Both sides run ECDH and stretch
the shared secret through HKDF-SHA256 into a 32-byte AES-256-GCM key:

	salt = sort(nodeA, nodeB) joined with "|"
	key  = HKDF-SHA256(ecdhSecret, salt, "dukasync/session/v1")[:32]

The sorted salt makes the derivation symmetric: both peers compute the same
key no matter who initiated. Sessions slide their expiry forward on every
use (default 60 minutes) but never past a hard cap (default 4 hours), after
which the peers re-authenticate from scratch.

## Opaque failures

External callers always see the same error for any authentication problem:

	security.ErrAuthenticationFailed // "authentication failed"

The real reason (key proof mismatch, expired token, address mismatch,
unknown session) is written to the audit log only. An attacker probing the
handshake learns nothing about which part failed.

# Rate Limiting

Each source address gets a token bucket sized so at most
rateLimitMaxRequests attempts reach proof verification in any window
(default 100 per 60s), plus a failure counter that blocks the source for
the remainder of the window after maxFailedAttempts failed authentications
(default 3). Breaches are audited once per window per source, not once per
refused packet.

# Usage

## Authenticating a peer (responder side)

	mgr, err := security.NewManager(store, nodeID, security.Config{
		RegistrationKey: os.Getenv("SYNC_REGISTRATION_KEY"),
	})
	if err != nil {
		return err
	}
	mgr.Start()
	defer mgr.Stop()

	token, err := mgr.Authenticate(req.NodeID, req.Nonce, req.KeyProof, remoteAddr)
	if err != nil {
		// Always security.ErrAuthenticationFailed; detail is in the audit log.
		return err
	}

## Establishing a session (initiator side)

	nonce, _ := security.NewNonce()
	proof := mgr.BuildProof(nonce)
	// ... send AUTH_REQUEST{nodeID, nonce, proof}, receive AUTH_RESPONSE{token} ...

	ka, _ := security.NewKeyAgreement()
	// ... send SESSION_OPEN{token, ka.PublicBlob()}, receive SESSION_OK ...
	session, err := mgr.CompleteSession(ok.SessionID, peerID, ka, ok.KeyAgreementBlob)

## Protecting payloads

	enc, _ := security.NewEncryptor(session.SymmetricKey)
	sealed, _ := enc.Encrypt(payload)          // nonce ∥ ciphertext ∥ tag
	mac := security.ComputeHMAC(session.SymmetricKey, sealed)

# Key Rotation

Rotate swaps the registration key atomically and keeps the previous key
valid for proofs and key-hash checks until the grace deadline:

	err := mgr.Rotate(newKey, 24*time.Hour)

The rotation state is persisted, so a restarted node keeps honoring the
grace window. Announcements carrying a key hash that matches neither the
current nor the in-grace previous key are dropped by discovery.

# Event Signatures

When signatures are enabled the node keeps a long-lived ed25519 keypair.
The 32-byte seed is stored locally and never gossiped; peers learn the
public key from node announcements and verify event id signatures with
VerifyEventSignature. Signatures are an optional integrity layer on top of
the mandatory checksum and key-hash checks.

# Security Considerations

The registration key is the root of trust: anyone holding it can join the
cluster. An empty key disables authentication entirely and is loudly
warned about at startup; it exists for single-node and lab setups only.

Auth tokens live in memory on purpose. A restart invalidates all
outstanding tokens, and peers simply re-run the handshake.

# See Also

  - pkg/transport - frames are HMAC'd and encrypted with session keys
  - pkg/discovery - drops announcements with mismatched key hashes
  - pkg/storage - persists sessions, rotation state, and the audit log
*/
package security
