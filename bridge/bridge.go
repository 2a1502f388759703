// Package bridge exposes the pipeline over JSON-on-WebSocket for web tiers
// that cannot speak the binary protocol. It is a thin translation shim: every
// inbound event maps to one engine input, every engine output to one JSON
// event.
package bridge

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	pipeline "github.com/koscakluka/vox-core/core"
	"github.com/koscakluka/vox-core/core/audio"
)

const (
	authTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	pingInterval = 20 * time.Second

	maxMessageBytes = 1 << 20
)

// Engine is the slice of the pipeline the bridge drives. *pipeline.Engine
// satisfies it.
type Engine interface {
	PushText(text string)
	PushAudio(samples []float32, confidence float64)
	Interrupt() bool
	SwitchCharacter(systemPrompt string)
	SetTransport(transport pipeline.Transport)
}

type clientEvent struct {
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
	Text         string `json:"text,omitempty"`
	Audio        string `json:"audio,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type serverEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Server struct {
	engine    Engine
	vad       *audio.VAD
	authToken string
	upgrader  websocket.Upgrader
}

type ServerOption func(*Server)

// WithAuthToken requires the first event of every connection to be an auth
// event carrying this token.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

func WithVAD(vad *audio.VAD) ServerOption {
	return func(s *Server) { s.vad = vad }
}

func NewServer(engine Engine, opts ...ServerOption) (*Server, error) {
	server := &Server{
		engine: engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
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

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, span := tracer.Start(r.Context(), "bridge session", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	session := &session{conn: conn}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	if err := s.authenticate(session); err != nil {
		logger.Warn("bridge client failed authentication", "error", err)
		return
	}

	s.vad.Reset()
	s.engine.SetTransport(session)
	defer s.engine.SetTransport(nil)

	session.send(serverEvent{Type: "status", Status: "connected"})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go session.pingLoop(pingDone)

	s.readLoop(session)
}

func (s *Server) authenticate(session *session) error {
	if s.authToken == "" {
		return nil
	}

	session.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer session.conn.SetReadDeadline(time.Time{})

	var event clientEvent
	if err := session.conn.ReadJSON(&event); err != nil {
		return fmt.Errorf("failed to read auth event: %w", err)
	}
	if event.Type != "auth" ||
		subtle.ConstantTimeCompare([]byte(event.Token), []byte(s.authToken)) != 1 {
		// Connection closes without exposing any further protocol.
		return fmt.Errorf("invalid auth event")
	}

	return session.send(serverEvent{Type: "auth_success"})
}

func (s *Server) readLoop(session *session) {
	for {
		var event clientEvent
		if err := session.conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("bridge session terminated", "error", err)
			}
			return
		}

		switch event.Type {
		case "text":
			s.engine.PushText(event.Text)

		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(event.Audio)
			if err != nil {
				session.send(serverEvent{Type: "error", Error: "invalid base64 audio payload"})
				continue
			}
			confidence := s.vad.Analyze(pcm)
			s.engine.PushAudio(audio.SamplesFromPCM16(pcm), confidence)

		case "character_switch":
			s.engine.SwitchCharacter(event.SystemPrompt)
			session.send(serverEvent{Type: "status", Status: "character_switched"})

		case "stop_playback":
			s.engine.Interrupt()

		case "ping":
			session.send(serverEvent{Type: "pong"})

		default:
			session.send(serverEvent{Type: "error", Error: fmt.Sprintf("unknown event type %q", event.Type)})
		}
	}
}

// session is one bridge connection. It doubles as the engine's transport for
// the connection's lifetime; all writes go through one mutex since the
// stages, keepalives and the read loop emit concurrently.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *session) send(event serverEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (c *session) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *session) SendTextChunk(text string) error {
	return c.send(serverEvent{Type: "text_chunk", Text: text})
}

func (c *session) SendTextComplete() error {
	return c.send(serverEvent{Type: "text_complete"})
}

func (c *session) SendTranscription(transcript string) error {
	return c.send(serverEvent{Type: "transcription", Text: transcript})
}

func (c *session) SendAudio(sampleRate int, pcm []byte) error {
	return c.send(serverEvent{
		Type:       "audio",
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
	})
}

func (c *session) SendStopPlayback() error {
	return c.send(serverEvent{Type: "status", Status: "playback_stopped"})
}
