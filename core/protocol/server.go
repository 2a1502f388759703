package protocol

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/koscakluka/vox-core/core/audio"
)

const (
	authHandshakeTimeout = 5 * time.Second

	// defaultTextRate bounds inbound text frames per second per session so a
	// misbehaving client cannot flood the pipeline.
	defaultTextRate  = rate.Limit(10)
	defaultTextBurst = 20
)

// SessionCallbacks receive demultiplexed inbound traffic. All callbacks are
// invoked from the session's read goroutine.
type SessionCallbacks struct {
	// OnConnect runs after a client passes the handshake, before any frame.
	OnConnect func(*Session)
	// OnText receives one decoded client text message.
	OnText func(*Session, string)
	// OnAudio receives one raw chunk as float32 samples plus its voice
	// activity confidence.
	OnAudio func(*Session, []float32, float64)
	// OnDisconnect runs once the client goes away, with the terminal read
	// error if it was not a clean close.
	OnDisconnect func(*Session, error)
}

func (c *SessionCallbacks) defaults() *SessionCallbacks {
	if c.OnConnect == nil {
		c.OnConnect = func(*Session) {}
	}
	if c.OnText == nil {
		c.OnText = func(*Session, string) {}
	}
	if c.OnAudio == nil {
		c.OnAudio = func(*Session, []float32, float64) {}
	}
	if c.OnDisconnect == nil {
		c.OnDisconnect = func(*Session, error) {}
	}
	return c
}

// Session is one connected client. Outbound writes are serialized by the
// underlying Writer; a session's send methods are safe to call from any
// stage concurrently.
type Session struct {
	id     string
	conn   net.Conn
	writer *Writer
	spec   Spec
}

func (s *Session) ID() string { return s.id }

func (s *Session) Spec() Spec { return s.spec }

func (s *Session) SendTextChunk(text string) error {
	return s.writer.WriteText(MarkerTextChunk, text)
}

func (s *Session) SendTextComplete() error {
	return s.writer.WriteText(MarkerTextComplete, "")
}

func (s *Session) SendTranscription(transcript string) error {
	return s.writer.WriteText(MarkerTranscription, transcript)
}

func (s *Session) SendAudio(sampleRate int, pcm []byte) error {
	return s.writer.WriteAudio(sampleRate, pcm)
}

func (s *Session) SendStopPlayback() error {
	return s.writer.WriteStopPlayback()
}

// Close terminates the connection, unblocking the session's read loop.
func (s *Session) Close() error {
	return s.conn.Close()
}

type Server struct {
	spec      Spec
	vad       *audio.VAD
	authToken string
	textRate  rate.Limit
	textBurst int
}

type ServerOption func(*Server)

func WithSpec(spec Spec) ServerOption {
	return func(s *Server) { s.spec = spec }
}

// WithAuthToken enables the shared-token handshake. The handshake happens
// synchronously after accept, before any audio or text frame is processed.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

func WithVAD(vad *audio.VAD) ServerOption {
	return func(s *Server) { s.vad = vad }
}

func WithTextRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.textRate = limit
		s.textBurst = burst
	}
}

func NewServer(opts ...ServerOption) (*Server, error) {
	server := &Server{
		spec:      DefaultSpec(),
		textRate:  defaultTextRate,
		textBurst: defaultTextBurst,
	}
	for _, opt := range opts {
		opt(server)
	}

	if server.vad == nil {
		vad, err := audio.NewVAD()
		if err != nil {
			return nil, fmt.Errorf("failed to create default vad: %w", err)
		}
		server.vad = vad
	}

	return server, nil
}

// Serve accepts clients one at a time: the loop handles a single connection
// to completion and only then re-enters accept. It returns once ctx is
// cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener, callbacks SessionCallbacks) error {
	callbacks.defaults()

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.handleConn(ctx, conn, callbacks)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, callbacks SessionCallbacks) {
	ctx, span := tracer.Start(ctx, "client session", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	defer conn.Close()

	session := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		writer: NewWriter(conn, s.spec),
		spec:   s.spec,
	}

	if err := s.authenticate(session); err != nil {
		// Close without exposing any part of the protocol.
		logger.Warn("client failed authentication", "session", session.id, "error", err)
		return
	}

	s.vad.Reset()
	callbacks.OnConnect(session)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.keepaliveLoop(sessionCtx, session)
	go func() {
		// Cancellation while a read is blocked is delivered by closing the
		// connection.
		<-sessionCtx.Done()
		conn.Close()
	}()

	err := s.readLoop(sessionCtx, session, callbacks)
	if err != nil && sessionCtx.Err() == nil {
		logger.Warn("session terminated", "session", session.id, "error", err)
	}
	callbacks.OnDisconnect(session, err)
}

func (s *Server) authenticate(session *Session) error {
	if s.authToken == "" {
		return nil
	}

	if err := session.conn.SetReadDeadline(time.Now().Add(authHandshakeTimeout)); err != nil {
		return fmt.Errorf("failed to arm handshake deadline: %w", err)
	}
	defer session.conn.SetReadDeadline(time.Time{})

	var lenBuf [4]byte
	if _, err := io.ReadFull(session.conn, lenBuf[:]); err != nil {
		return fmt.Errorf("failed to read handshake length: %w", err)
	}
	length := readUint32(lenBuf[:])
	if length > s.spec.MaxPayload {
		return fmt.Errorf("handshake token of %d bytes: %w", length, ErrOversizedFrame)
	}

	token := make([]byte, length)
	if _, err := io.ReadFull(session.conn, token); err != nil {
		return fmt.Errorf("failed to read handshake token: %w", err)
	}

	if subtle.ConstantTimeCompare(token, []byte(s.authToken)) != 1 {
		return ErrAuthFailed
	}

	if err := session.writer.WriteText(MarkerAuthSuccess, ""); err != nil {
		return fmt.Errorf("failed to confirm handshake: %w", err)
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context, session *Session, callbacks SessionCallbacks) error {
	reader := NewReader(session.conn, s.spec)
	limiter := rate.NewLimiter(s.textRate, s.textBurst)

	for {
		inbound, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if inbound.IsText {
			if !limiter.Allow() {
				logger.Warn("dropping text frame over rate limit", "session", session.id)
				continue
			}
			callbacks.OnText(session, inbound.Text)
			continue
		}

		confidence := s.vad.Analyze(inbound.Audio)
		callbacks.OnAudio(session, audio.SamplesFromPCM16(inbound.Audio), confidence)
	}
}

func (s *Server) keepaliveLoop(ctx context.Context, session *Session) {
	ticker := time.NewTicker(s.spec.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.writer.WriteKeepalive(); err != nil {
				return
			}
		}
	}
}

// Authenticate performs the client side of the shared-token handshake and
// waits for the server's confirmation frame. The reader must be the one the
// caller keeps using afterwards, so no buffered bytes are lost.
func Authenticate(conn net.Conn, reader *ClientReader, token string) error {
	frame := make([]byte, 4+len(token))
	putUint32(frame[0:], uint32(len(token)))
	copy(frame[4:], token)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send handshake token: %w", err)
	}

	msg, err := reader.Next()
	if err != nil {
		return fmt.Errorf("failed to read handshake response: %w", err)
	}
	if msg.Marker != MarkerAuthSuccess {
		return ErrAuthFailed
	}
	return nil
}
