package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dukahub/dukasync/pkg/security"
)

const (
	frameMagic = "DSYN"

	// FrameVersion is the current wire version. Peers reject frames with a
	// version they do not speak.
	FrameVersion = 1

	// DefaultMaxFrameSize bounds a single frame. Event batches are capped
	// well below this; snapshot chunks are sized to fit comfortably.
	DefaultMaxFrameSize = 4 << 20

	macSize = sha256.Size
)

// Frame flag bits.
const (
	FlagEncrypted  = 1 << 0
	FlagCompressed = 1 << 1
)

// MessageType identifies a frame's payload.
type MessageType uint8

const (
	MsgAuthRequest MessageType = iota + 1
	MsgAuthResponse
	MsgSessionOpen
	MsgSessionOK
	MsgPullRequest
	MsgEventBatch
	MsgProcessedAck
	MsgAck
	MsgDigestRequest
	MsgDigestResponse
	MsgSnapshotRequest
	MsgSnapshotReady
	MsgSnapshotChunkRequest
	MsgSnapshotChunk
	MsgSnapshotComplete
	MsgHealthPing
	MsgHealthPong
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgAuthRequest:
		return "AUTH_REQUEST"
	case MsgAuthResponse:
		return "AUTH_RESPONSE"
	case MsgSessionOpen:
		return "SESSION_OPEN"
	case MsgSessionOK:
		return "SESSION_OK"
	case MsgPullRequest:
		return "PULL_REQUEST"
	case MsgEventBatch:
		return "EVENT_BATCH"
	case MsgProcessedAck:
		return "PROCESSED_ACK"
	case MsgAck:
		return "ACK"
	case MsgDigestRequest:
		return "DIGEST_REQUEST"
	case MsgDigestResponse:
		return "DIGEST_RESPONSE"
	case MsgSnapshotRequest:
		return "SNAPSHOT_REQUEST"
	case MsgSnapshotReady:
		return "SNAPSHOT_READY"
	case MsgSnapshotChunkRequest:
		return "SNAPSHOT_CHUNK_REQUEST"
	case MsgSnapshotChunk:
		return "SNAPSHOT_CHUNK"
	case MsgSnapshotComplete:
		return "SNAPSHOT_COMPLETE"
	case MsgHealthPing:
		return "HEALTH_PING"
	case MsgHealthPong:
		return "HEALTH_PONG"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Frame is one wire message:
//
//	magic(4) version(1) flags(1) type(1) sidLen(1) sessionId(sidLen)
//	payloadLen(4, big endian) payload mac(32)
//
// The HMAC covers every byte before it. Pre-session frames carry an empty
// session id and are keyed with the cluster MAC key; sessioned frames are
// keyed with the session key named by the id.
type Frame struct {
	Version   uint8
	Flags     uint8
	Type      MessageType
	SessionID string
	Payload   []byte

	signed []byte
	mac    []byte
}

// PreSessionMACKey derives the HMAC key for frames sent before any session
// exists. It involves the registration key so nodes from a different
// cluster fail at the first frame.
func PreSessionMACKey(registrationKey string) []byte {
	sum := sha256.Sum256([]byte(registrationKey + "dukasync/frame/v1"))
	return sum[:]
}

// WriteFrame encodes and sends one frame, MACed with macKey.
func WriteFrame(w io.Writer, f *Frame, macKey []byte) error {
	if len(f.SessionID) > 255 {
		return fmt.Errorf("session id too long: %d bytes", len(f.SessionID))
	}
	version := f.Version
	if version == 0 {
		version = FrameVersion
	}

	var buf bytes.Buffer
	buf.Grow(12 + len(f.SessionID) + len(f.Payload) + macSize)
	buf.WriteString(frameMagic)
	buf.WriteByte(version)
	buf.WriteByte(f.Flags)
	buf.WriteByte(uint8(f.Type))
	buf.WriteByte(uint8(len(f.SessionID)))
	buf.WriteString(f.SessionID)

	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(f.Payload)))
	buf.Write(lenBytes[:])
	buf.Write(f.Payload)

	mac := security.ComputeHMAC(macKey, buf.Bytes())
	buf.Write(mac)

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame decodes one frame from the stream. MAC verification is the
// caller's job via Verify once the key for the named session is known.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	fixed := make([]byte, 8)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	if string(fixed[:4]) != frameMagic {
		return nil, fmt.Errorf("bad frame magic %q", fixed[:4])
	}
	f := &Frame{
		Version: fixed[4],
		Flags:   fixed[5],
		Type:    MessageType(fixed[6]),
	}
	if f.Version != FrameVersion {
		return nil, fmt.Errorf("unsupported frame version %d", f.Version)
	}

	sidLen := int(fixed[7])
	rest := make([]byte, sidLen+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	f.SessionID = string(rest[:sidLen])

	payloadLen := binary.BigEndian.Uint32(rest[sidLen:])
	if int(payloadLen) > maxSize {
		return nil, fmt.Errorf("frame payload %d bytes exceeds limit %d", payloadLen, maxSize)
	}

	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	f.mac = make([]byte, macSize)
	if _, err := io.ReadFull(r, f.mac); err != nil {
		return nil, fmt.Errorf("failed to read frame mac: %w", err)
	}

	signed := make([]byte, 0, len(fixed)+len(rest)+len(f.Payload))
	signed = append(signed, fixed...)
	signed = append(signed, rest...)
	signed = append(signed, f.Payload...)
	f.signed = signed
	return f, nil
}

// Verify checks the frame MAC under key.
func (f *Frame) Verify(macKey []byte) bool {
	return security.VerifyHMAC(macKey, f.signed, f.mac)
}
