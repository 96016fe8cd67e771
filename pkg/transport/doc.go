// Package transport implements the framed TCP protocol DukaSync peers
// speak to each other: authentication handshakes, event batch exchange,
// digests, and snapshot transfer.
//
// # Wire Format
//
// Every message travels in a single length-prefixed frame:
//
//	+-------+---------+-------+------+--------+-----------+------------+---------+-----------+
//	| magic | version | flags | type | sidLen | sessionID | payloadLen | payload | HMAC-256  |
//	| 4B    | 1B      | 1B    | 1B   | 1B     | 0-255B    | 4B BE      | var     | 32B       |
//	+-------+---------+-------+------+--------+-----------+------------+---------+-----------+
//
// The trailing HMAC-SHA256 covers every preceding byte. Frames sent
// before a session exists are keyed with a cluster key derived from the
// registration key, so a peer holding the wrong key cannot produce a
// single valid frame. Once a session is established, frames carry the
// session id and are keyed with the session's symmetric key.
//
// The payload is JSON, optionally snappy-compressed (FlagCompressed)
// and AES-256-GCM encrypted (FlagEncrypted) when both peers advertised
// the capability. Compression runs before encryption.
//
// # Conversation Model
//
// The protocol is strict request-response: the dialing side writes one
// frame and reads exactly one reply. Replies mirror the request's
// protection flags, so the responder keeps no per-connection state
// beyond the buffered reader.
//
//	initiator                          responder
//	    |------- AUTH_REQUEST ------------->|  challenge-response proof
//	    |<------ AUTH_RESPONSE -------------|  single-use token
//	    |------- SESSION_OPEN ------------->|  token + X25519 key share
//	    |<------ SESSION_OK ----------------|  session id + key share
//	    |                                   |
//	    |------- PULL_REQUEST ------------->|  sessioned from here on
//	    |<------ EVENT_BATCH ---------------|
//	    |------- PROCESSED_ACK ------------>|
//	    |<------ ACK -----------------------|
//
// Failures are reported as ERROR frames carrying a machine-readable
// code. Authentication failures are deliberately opaque: the remote
// message never says whether the key, the token, or the binding was
// wrong. When the responder no longer recognizes a session it answers
// with an ERROR frame keyed with the cluster key, since no session key
// remains to sign with; the Client accepts that downgrade only for
// ERROR frames and re-authenticates.
//
// # Server
//
// Server listens for peers and hands decoded, authenticated requests to
// a Responder (implemented by the sync engine):
//
//	srv := transport.NewServer(sec, engine, &transport.ServerConfig{
//		BindAddr: ":8765",
//	})
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	defer srv.Stop()
//
// Frames that fail authentication are never answered; the connection is
// dropped and the failure counts toward the source's lockout budget.
//
// # Client
//
// Client dials one peer and exposes the protocol as typed calls:
//
//	cli := transport.NewClient(peer.Endpoint, sec, transport.ClientConfig{
//		SelfID:       self.NodeID,
//		Capabilities: caps,
//	})
//	session, err := cli.Authenticate(ctx)
//	if err != nil {
//		return err
//	}
//	batch, err := cli.Pull(ctx, watermark, 100)
//
// The client redials transparently after IO errors and clears its
// session when the responder rejects it, leaving re-authentication to
// the caller.
package transport
