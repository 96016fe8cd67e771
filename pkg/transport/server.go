package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/security"
)

// PeerContext identifies the authenticated peer behind a sessioned request.
type PeerContext struct {
	NodeID     string
	SessionID  string
	SourceAddr string
}

// Responder is the application side of the sync protocol. The engine
// implements it; the server decodes frames and dispatches.
type Responder interface {
	HandleAuthRequest(sourceAddr string, req *AuthRequest) (*AuthResponse, error)
	HandleSessionOpen(sourceAddr string, req *SessionOpen) (*SessionOK, error)
	HandlePull(peer PeerContext, req *PullRequest) (*EventBatch, error)
	HandlePush(peer PeerContext, batch *EventBatch) (*ProcessedAck, error)
	HandleProcessedAck(peer PeerContext, ack *ProcessedAck) (*Ack, error)
	HandleDigest(peer PeerContext, req *DigestRequest) (*DigestResponse, error)
	HandleSnapshotRequest(peer PeerContext, req *SnapshotRequest) (*SnapshotReady, error)
	HandleSnapshotChunk(peer PeerContext, req *SnapshotChunkRequest) (*SnapshotChunk, error)
	HandleSnapshotComplete(peer PeerContext, req *SnapshotComplete) (*Ack, error)
}

// ServerConfig holds sync listener configuration.
type ServerConfig struct {
	BindAddr     string        // host:port, default ":8765"
	MaxFrameSize int           // default 4 MiB
	ReadTimeout  time.Duration // per-frame idle limit, default 75s
	WriteTimeout time.Duration // default 10s
}

// Server is the TCP listener peers sync against.
type Server struct {
	security  *security.Manager
	responder Responder
	cfg       *ServerConfig
	logger    zerolog.Logger

	listener net.Listener
	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a sync protocol server.
func NewServer(sec *security.Manager, responder Responder, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8765"
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 75 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		security:  sec,
		responder: responder,
		cfg:       cfg,
		logger:    log.WithComponent("transport"),
	}
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and begins accepting peers.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sync server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to bind sync listener: %w", err)
	}
	s.listener = listener
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("sync listener started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()

	s.logger.Info().Msg("sync listener stopped")
	return nil
}

// IsRunning returns true if the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	sourceAddr := remoteHost(nc)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_ = nc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		frame, err := ReadFrame(nc, s.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var ne net.Error
				if !errors.As(err, &ne) || !ne.Timeout() {
					s.logger.Debug().Err(err).Str("src", sourceAddr).Msg("connection read error")
				}
			}
			return
		}
		if !s.serveFrame(nc, frame, sourceAddr) {
			return
		}
	}
}

// serveFrame handles one request frame; false tells the caller to drop the
// connection.
func (s *Server) serveFrame(nc net.Conn, f *Frame, sourceAddr string) bool {
	if f.SessionID == "" {
		return s.servePreSession(nc, f, sourceAddr)
	}
	return s.serveSessioned(nc, f, sourceAddr)
}

// servePreSession handles the handshake frames, which are MACed with the
// cluster key and never encrypted.
func (s *Server) servePreSession(nc net.Conn, f *Frame, sourceAddr string) bool {
	macKey := PreSessionMACKey(s.security.CurrentKey())
	if !f.Verify(macKey) {
		verified := false
		if prev, ok := s.security.PreviousKeyInGrace(); ok {
			if f.Verify(PreSessionMACKey(prev)) {
				macKey = PreSessionMACKey(prev)
				verified = true
			}
		}
		if !verified {
			s.security.RecordProtocolFailure(sourceAddr, "frame failed cluster authentication")
			s.logger.Warn().Str("src", sourceAddr).Msg("dropping connection: frame failed cluster authentication")
			return false
		}
	}

	var (
		replyType MessageType
		reply     any
	)
	switch f.Type {
	case MsgAuthRequest:
		var req AuthRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			replyType, reply = errorReply(CodeBadRequest, "malformed request")
			break
		}
		resp, err := s.responder.HandleAuthRequest(sourceAddr, &req)
		if err != nil {
			replyType, reply = s.mapError(err, sourceAddr)
			break
		}
		replyType, reply = MsgAuthResponse, resp
	case MsgSessionOpen:
		var req SessionOpen
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			replyType, reply = errorReply(CodeBadRequest, "malformed request")
			break
		}
		resp, err := s.responder.HandleSessionOpen(sourceAddr, &req)
		if err != nil {
			replyType, reply = s.mapError(err, sourceAddr)
			break
		}
		replyType, reply = MsgSessionOK, resp
	case MsgHealthPing:
		var req HealthPing
		_ = json.Unmarshal(f.Payload, &req)
		replyType, reply = MsgHealthPong, &HealthPong{SentAt: req.SentAt, ReceivedAt: time.Now().UTC()}
	default:
		replyType, reply = errorReply(CodeAuthFailed, "authentication required")
	}

	return s.writeReply(nc, replyType, reply, "", 0, nil, macKey)
}

// serveSessioned resolves the session named by the frame, verifies and
// opens it, and dispatches to the responder. Replies mirror the request's
// protection flags.
func (s *Server) serveSessioned(nc net.Conn, f *Frame, sourceAddr string) bool {
	session, err := s.security.ValidateSession(f.SessionID)
	if err != nil {
		// MAC the rejection with the cluster key: with the session gone
		// there is no shared session key left to use.
		code := CodeSessionInvalid
		if !errors.Is(err, security.ErrSessionExpired) && !errors.Is(err, security.ErrAuthenticationFailed) {
			code = CodeInternal
			s.logger.Error().Err(err).Str("session", f.SessionID).Msg("session lookup failed")
		}
		rt, r := errorReply(code, "authentication failed")
		s.writeReply(nc, rt, r, f.SessionID, 0, nil, PreSessionMACKey(s.security.CurrentKey()))
		return false
	}

	if !f.Verify(session.SymmetricKey) {
		s.security.RecordProtocolFailure(sourceAddr, "frame failed session authentication")
		s.logger.Warn().
			Str("peer", session.PeerNodeID).
			Str("src", sourceAddr).
			Msg("dropping connection: frame failed session authentication")
		return false
	}

	var enc *security.Encryptor
	if f.Flags&FlagEncrypted != 0 {
		enc, err = security.NewEncryptor(session.SymmetricKey)
		if err != nil {
			s.logger.Error().Err(err).Msg("session key unusable")
			return false
		}
	}
	body, err := openPayload(f, enc)
	if err != nil {
		s.security.RecordProtocolFailure(sourceAddr, "payload failed to open: "+err.Error())
		s.logger.Warn().Err(err).Str("peer", session.PeerNodeID).Msg("dropping connection: payload failed to open")
		return false
	}

	peer := PeerContext{NodeID: session.PeerNodeID, SessionID: session.SessionID, SourceAddr: sourceAddr}
	replyType, reply := s.dispatch(peer, f.Type, body, sourceAddr)

	return s.writeReply(nc, replyType, reply, session.SessionID, f.Flags, session.SymmetricKey, session.SymmetricKey)
}

func (s *Server) dispatch(peer PeerContext, t MessageType, body []byte, sourceAddr string) (MessageType, any) {
	decode := func(into any) bool {
		if err := json.Unmarshal(body, into); err != nil {
			s.logger.Debug().Err(err).Stringer("type", t).Msg("malformed sessioned request")
			return false
		}
		return true
	}

	switch t {
	case MsgPullRequest:
		var req PullRequest
		if !decode(&req) {
			return errorReply(CodeBadRequest, "malformed request")
		}
		resp, err := s.responder.HandlePull(peer, &req)
		if err != nil {
			return s.mapError(err, sourceAddr)
		}
		return MsgEventBatch, resp
	case MsgEventBatch:
		var batch EventBatch
		if !decode(&batch) {
			return errorReply(CodeBadRequest, "malformed request")
		}
		resp, err := s.responder.HandlePush(peer, &batch)
		if err != nil {
			return s.mapError(err, sourceAddr)
		}
		return MsgProcessedAck, resp
	case MsgProcessedAck:
		var ack ProcessedAck
		if !decode(&ack) {
			return errorReply(CodeBadRequest, "malformed request")
		}
		resp, err := s.responder.HandleProcessedAck(peer, &ack)
		if err != nil {
			return s.mapError(err, sourceAddr)
		}
		return MsgAck, resp
	case MsgDigestRequest:
		var req DigestRequest
		if !decode(&req) {
			return errorReply(CodeBadRequest, "malformed request")
		}
		resp, err := s.responder.HandleDigest(peer, &req)
		if err != nil {
			return s.mapError(err, sourceAddr)
		}
		return MsgDigestResponse, resp
	case MsgSnapshotRequest:
		var req SnapshotRequest
		if !decode(&req) {
			return errorReply(CodeBadRequest, "malformed request")
		}
		resp, err := s.responder.HandleSnapshotRequest(peer, &req)
		if err != nil {
			return s.mapError(err, sourceAddr)
		}
		return MsgSnapshotReady, resp
	case MsgSnapshotChunkRequest:
		var req SnapshotChunkRequest
		if !decode(&req) {
			return errorReply(CodeBadRequest, "malformed request")
		}
		resp, err := s.responder.HandleSnapshotChunk(peer, &req)
		if err != nil {
			return s.mapError(err, sourceAddr)
		}
		return MsgSnapshotChunk, resp
	case MsgSnapshotComplete:
		var req SnapshotComplete
		if !decode(&req) {
			return errorReply(CodeBadRequest, "malformed request")
		}
		resp, err := s.responder.HandleSnapshotComplete(peer, &req)
		if err != nil {
			return s.mapError(err, sourceAddr)
		}
		return MsgAck, resp
	case MsgHealthPing:
		var req HealthPing
		_ = json.Unmarshal(body, &req)
		return MsgHealthPong, &HealthPong{SentAt: req.SentAt, ReceivedAt: time.Now().UTC()}
	default:
		return errorReply(CodeBadRequest, fmt.Sprintf("unsupported request %s", t))
	}
}

// writeReply seals and sends one reply frame. mirrorFlags repeats the
// request's protection; sessionKey is nil for pre-session replies.
func (s *Server) writeReply(nc net.Conn, t MessageType, msg any, sessionID string, mirrorFlags uint8, sessionKey, macKey []byte) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Stringer("type", t).Msg("failed to encode reply")
		return false
	}

	var flags uint8
	if mirrorFlags&FlagCompressed != 0 {
		payload = snappy.Encode(nil, payload)
		flags |= FlagCompressed
	}
	if mirrorFlags&FlagEncrypted != 0 {
		enc, err := security.NewEncryptor(sessionKey)
		if err != nil {
			s.logger.Error().Err(err).Msg("session key unusable")
			return false
		}
		payload, err = enc.Encrypt(payload)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to encrypt reply")
			return false
		}
		flags |= FlagEncrypted
	}

	_ = nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	defer nc.SetWriteDeadline(time.Time{})

	frame := &Frame{Flags: flags, Type: t, SessionID: sessionID, Payload: payload}
	if err := WriteFrame(nc, frame, macKey); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write reply")
		return false
	}
	return true
}

// mapError converts responder errors into wire errors without leaking
// internals. Authentication problems are always the same opaque message.
func (s *Server) mapError(err error, sourceAddr string) (MessageType, any) {
	switch {
	case errors.Is(err, security.ErrAuthenticationFailed):
		return errorReply(CodeAuthFailed, "authentication failed")
	case errors.Is(err, security.ErrSessionExpired):
		return errorReply(CodeSessionInvalid, "session expired")
	case errors.Is(err, ErrUnavailable):
		return errorReply(CodeUnavailable, "temporarily unavailable")
	default:
		s.logger.Error().Err(err).Str("src", sourceAddr).Msg("request handler failed")
		return errorReply(CodeInternal, "internal error")
	}
}

func errorReply(code, message string) (MessageType, any) {
	return MsgError, &ErrorReply{Code: code, Message: message}
}

// remoteHost strips the ephemeral port so rate limiting and token binding
// see the same source across connections.
func remoteHost(nc net.Conn) string {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String()
	}
	return host
}
