package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/golang/snappy"

	"github.com/dukahub/dukasync/pkg/security"
	"github.com/dukahub/dukasync/pkg/types"
)

// RemoteError is a peer's MsgError reply surfaced as a Go error.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer error %s: %s", e.Code, e.Message)
}

// ErrUnavailable marks a request the node understood but cannot serve right
// now, for example a snapshot request while no donor is wired or a push
// while a snapshot import holds the apply path. Mapped to CodeUnavailable
// on the wire; callers retry on their regular cadence.
var ErrUnavailable = errors.New("temporarily unavailable")

// Conn wraps one TCP connection with the framing and, once a session is
// established, the negotiated payload protection.
type Conn struct {
	nc         net.Conn
	br         *bufio.Reader
	maxFrame   int
	clusterKey []byte
	timeout    time.Duration

	session *types.Session
	enc     *security.Encryptor
	caps    types.Capabilities
}

func newConn(nc net.Conn, registrationKey string, maxFrame int, timeout time.Duration) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Conn{
		nc:         nc,
		br:         bufio.NewReader(nc),
		maxFrame:   maxFrame,
		clusterKey: PreSessionMACKey(registrationKey),
		timeout:    timeout,
	}
}

// Secure switches the connection to sessioned framing with the negotiated
// capabilities. Payload encryption requires the effective encryption cap.
func (c *Conn) Secure(session *types.Session, caps types.Capabilities) error {
	if caps.Encryption {
		enc, err := security.NewEncryptor(session.SymmetricKey)
		if err != nil {
			return fmt.Errorf("session key unusable: %w", err)
		}
		c.enc = enc
	}
	c.session = session
	c.caps = caps
	return nil
}

// Session returns the active session, nil before Secure.
func (c *Conn) Session() *types.Session {
	return c.session
}

func (c *Conn) macKey() []byte {
	if c.session != nil {
		return c.session.SymmetricKey
	}
	return c.clusterKey
}

// sealPayload marshals a message and applies the negotiated compression
// and encryption, returning the wire payload and frame flags.
func sealPayload(msg any, enc *security.Encryptor, caps types.Capabilities) ([]byte, uint8, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode payload: %w", err)
	}
	var flags uint8
	if caps.Compression {
		payload = snappy.Encode(nil, payload)
		flags |= FlagCompressed
	}
	if caps.Encryption {
		if enc == nil {
			return nil, 0, fmt.Errorf("encryption negotiated but no session key")
		}
		payload, err = enc.Encrypt(payload)
		if err != nil {
			return nil, 0, err
		}
		flags |= FlagEncrypted
	}
	return payload, flags, nil
}

// openPayload reverses sealPayload per the frame's flags.
func openPayload(f *Frame, enc *security.Encryptor) ([]byte, error) {
	payload := f.Payload
	if f.Flags&FlagEncrypted != 0 {
		if enc == nil {
			return nil, fmt.Errorf("encrypted frame on a session without encryption")
		}
		var err error
		payload, err = enc.Decrypt(payload)
		if err != nil {
			return nil, err
		}
	}
	if f.Flags&FlagCompressed != 0 {
		var err error
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}
	return payload, nil
}

// send writes one message as a frame under the connection's current keys.
func (c *Conn) send(t MessageType, msg any) error {
	payload, flags, err := sealPayload(msg, c.enc, c.caps)
	if err != nil {
		return err
	}
	f := &Frame{Flags: flags, Type: t, Payload: payload}
	if c.session != nil {
		f.SessionID = c.session.SessionID
	}
	return WriteFrame(c.nc, f, c.macKey())
}

// receive reads, verifies and opens one frame, returning the frame and the
// plaintext payload. When the peer no longer knows our session it can only
// MAC its error reply with the cluster key, so that one case falls back.
func (c *Conn) receive() (*Frame, []byte, error) {
	f, err := ReadFrame(c.br, c.maxFrame)
	if err != nil {
		return nil, nil, err
	}
	if !f.Verify(c.macKey()) {
		if c.session == nil || f.Type != MsgError || !f.Verify(c.clusterKey) {
			return nil, nil, fmt.Errorf("frame failed authentication")
		}
	}
	body, err := openPayload(f, c.enc)
	if err != nil {
		return nil, nil, err
	}
	return f, body, nil
}

// roundTrip sends a request and reads exactly one reply, bounded by the
// context deadline or the connection's default timeout.
func (c *Conn) roundTrip(ctx context.Context, t MessageType, msg any) (*Frame, []byte, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, nil, err
	}
	defer c.nc.SetDeadline(time.Time{})

	if err := c.send(t, msg); err != nil {
		return nil, nil, err
	}
	return c.receive()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// decodeReply unmarshals a reply body into out, converting MsgError frames
// into RemoteError.
func decodeReply(f *Frame, body []byte, want MessageType, out any) error {
	if f.Type == MsgError {
		var er ErrorReply
		if err := json.Unmarshal(body, &er); err != nil {
			return fmt.Errorf("undecodable error reply: %w", err)
		}
		return &RemoteError{Code: er.Code, Message: er.Message}
	}
	if f.Type != want {
		return fmt.Errorf("unexpected reply %s, want %s", f.Type, want)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", f.Type, err)
	}
	return nil
}
